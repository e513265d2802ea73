package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LeJamon/xrplbook/internal/book"
	"github.com/LeJamon/xrplbook/internal/config"
	"github.com/LeJamon/xrplbook/internal/transport"
)

var (
	// Watch flags
	flagGets       string
	flagGetsIssuer string
	flagPays       string
	flagPaysIssuer string
	flagAccount    string
	flagLedger     string
	flagTrades     bool
)

// watchCmd represents the watch command (default action)
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream a live order book model to stdout",
	Long: `Connect to the configured rippled server, subscribe to the given
currency pair and print one JSON line per emitted model. With --trades,
trade events are printed as well.

This is the default command when no subcommand is specified.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return watchCmd.RunE(cmd, args)
	}

	watchCmd.Flags().StringVar(&flagGets, "gets", "", "currency offer owners sell")
	watchCmd.Flags().StringVar(&flagGetsIssuer, "gets-issuer", "", "issuer of the gets currency")
	watchCmd.Flags().StringVar(&flagPays, "pays", "", "currency offer owners demand")
	watchCmd.Flags().StringVar(&flagPaysIssuer, "pays-issuer", "", "issuer of the pays currency")
	watchCmd.Flags().StringVar(&flagAccount, "account", "", "taker account for snapshots")
	watchCmd.Flags().StringVar(&flagLedger, "ledger", "", "pin to a historical ledger index")
	watchCmd.Flags().BoolVar(&flagTrades, "trades", false, "print trade events")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadWatchConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Server.ConnectTimeout)
	client, err := transport.Dial(dialCtx, cfg.Server.URL, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Server.URL, err)
	}
	defer client.Close()

	b := book.New(client, book.Options{
		CurrencyGets: cfg.Book.CurrencyGets,
		IssuerGets:   cfg.Book.IssuerGets,
		CurrencyPays: cfg.Book.CurrencyPays,
		IssuerPays:   cfg.Book.IssuerPays,
		Account:      cfg.Book.Account,
		LedgerIndex:  cfg.Book.LedgerIndex,
		Logger:       logger,
	})
	if !b.IsValid() {
		return fmt.Errorf("invalid currency pair %s", b.Key())
	}
	logger.Info().Str("book", b.Key()).Str("server", cfg.Server.URL).Msg("watching order book")

	out := newEventPrinter(os.Stdout)
	removeModel := b.On(book.EventModel, func(ev book.Event) {
		offers := ev.Offers
		if offers == nil {
			offers = []*book.Offer{}
		}
		out.print(modelLine{Type: "model", Book: b.Key(), Offers: offers})
	})
	defer removeModel()

	if flagTrades {
		removeTrades := b.On(book.EventTrade, func(ev book.Event) {
			out.print(tradeLine{
				Type:      "trade",
				Book:      b.Key(),
				TakerGets: ev.TakerGets.String(),
				TakerPays: ev.TakerPays.String(),
			})
		})
		defer removeTrades()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func loadWatchConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if flagGets != "" {
		cfg.Book.CurrencyGets = flagGets
		cfg.Book.IssuerGets = flagGetsIssuer
	}
	if flagPays != "" {
		cfg.Book.CurrencyPays = flagPays
		cfg.Book.IssuerPays = flagPaysIssuer
	}
	if flagAccount != "" {
		cfg.Book.Account = flagAccount
	}
	if flagLedger != "" {
		cfg.Book.LedgerIndex = flagLedger
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	if quiet {
		level = zerolog.WarnLevel
	}
	var w = zerolog.MultiLevelWriter(os.Stderr)
	if cfg.Pretty {
		w = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

type modelLine struct {
	Type   string        `json:"type"`
	Book   string        `json:"book"`
	Offers []*book.Offer `json:"offers"`
}

type tradeLine struct {
	Type      string `json:"type"`
	Book      string `json:"book"`
	TakerGets string `json:"taker_gets"`
	TakerPays string `json:"taker_pays"`
}

// eventPrinter serializes event lines; book events arrive from several
// goroutines.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(f *os.File) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(f)}
}

func (p *eventPrinter) print(line any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(line)
}
