// Package book maintains live, funded order books for one currency pair,
// including the synthetic autobridged book crossed through the native asset.
// State is rebuilt from a book_offers snapshot and then kept current from the
// validated transaction stream, one closed ledger at a time.
package book

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	addresscodec "github.com/LeJamon/xrplbook/internal/codec/address-codec"
	"github.com/LeJamon/xrplbook/internal/nodediff"
	"github.com/LeJamon/xrplbook/internal/transport"
	"github.com/LeJamon/xrplbook/internal/value"
)

const (
	// baseTakerAddress is the neutral taker used for book_offers snapshots.
	baseTakerAddress = "rrrrrrrrrrrrrrrrrrrrBZbvji"

	// validAccountsCap bounds the per-book cache of addresses that already
	// passed checksum validation.
	validAccountsCap = 3000

	// infiniteFunds marks an owner who issues the asset they are selling.
	// Their offers are always fully funded.
	infiniteFunds = "Infinity"
)

var (
	defaultTransferRate = value.MustIOU("1")
	transferRateScale   = value.MustIOU("1000000000")
)

// Options configure a book. CurrencyGets/CurrencyPays name what offer owners
// sell and demand; issuers are required for issued currencies. A non-empty
// LedgerIndex pins the book to a historical ledger: one snapshot, no stream.
type Options struct {
	CurrencyGets string
	IssuerGets   string
	CurrencyPays string
	IssuerPays   string
	Account      string
	LedgerIndex  string
	Logger       zerolog.Logger
}

// OrderBook tracks one side of a currency pair. Subscribing the first
// listener activates it (snapshot plus stream subscription); removing the
// last one deactivates it. A book between two issued currencies additionally
// runs two native legs and merges their crossed synthetic offers into its
// model.
type OrderBook struct {
	client transport.Client
	log    zerolog.Logger

	currencyGets string
	issuerGets   string
	currencyPays string
	issuerPays   string
	account      string
	ledgerIndex  string
	key          string

	autobridgeable bool
	legOne         *OrderBook
	legTwo         *OrderBook

	em     *emitter
	flight singleflight.Group

	mu                       sync.Mutex
	offers                   []*Offer
	mergedOffers             []*Offer
	offersAutobridged        []*Offer
	offerCounts              map[string]int
	ownerFunds               map[string]string
	ownerFundsUnadjusted     map[string]string
	ownerOffersTotal         map[string]value.Value
	validAccounts            *lru.Cache[string, struct{}]
	subscribed               bool
	synced                   bool
	waitingForOffers         bool
	calculatorRunning        bool
	gotOffersFromLegOne      bool
	gotOffersFromLegTwo      bool
	transactionsLeft         int
	closedLedgerVersion      int64
	lastUpdateLedgerSequence int64
	issuerTransferRate       value.Value
	transferRateDefault      bool
	rateFetchInFlight        bool
	pendingFundUpdates       []transport.TransactionEvent

	removeLedger      func()
	removeTransaction func()
	removeConnected   func()
	removeLegOneModel func()
	removeLegTwoModel func()
}

// New builds a book for the given pair. A pair between two issued currencies
// is autobridgeable: two native leg books are created alongside it and share
// the same transport.
func New(client transport.Client, opts Options) *OrderBook {
	b := &OrderBook{
		client:               client,
		currencyGets:         normalizeCurrency(opts.CurrencyGets),
		issuerGets:           opts.IssuerGets,
		currencyPays:         normalizeCurrency(opts.CurrencyPays),
		issuerPays:           opts.IssuerPays,
		account:              opts.Account,
		ledgerIndex:          opts.LedgerIndex,
		offerCounts:          make(map[string]int),
		ownerFunds:           make(map[string]string),
		ownerFundsUnadjusted: make(map[string]string),
		ownerOffersTotal:     make(map[string]value.Value),
		transactionsLeft:     -1,
	}
	b.key = prepareTrade(b.currencyGets, b.issuerGets) + ":" + prepareTrade(b.currencyPays, b.issuerPays)
	b.autobridgeable = b.currencyGets != nativeCurrency && b.currencyPays != nativeCurrency
	b.validAccounts, _ = lru.New[string, struct{}](validAccountsCap)
	b.em = newEmitter(b.activate, b.deactivate)
	b.log = opts.Logger.With().Str("component", "orderbook").Str("book", b.key).Logger()

	if b.autobridgeable {
		b.legOne = New(client, Options{
			CurrencyGets: nativeCurrency,
			CurrencyPays: opts.CurrencyPays,
			IssuerPays:   opts.IssuerPays,
			Account:      opts.Account,
			LedgerIndex:  opts.LedgerIndex,
			Logger:       opts.Logger,
		})
		b.legTwo = New(client, Options{
			CurrencyGets: opts.CurrencyGets,
			IssuerGets:   opts.IssuerGets,
			CurrencyPays: nativeCurrency,
			Account:      opts.Account,
			LedgerIndex:  opts.LedgerIndex,
			Logger:       opts.Logger,
		})
	}
	return b
}

// Key returns the "<gets>:<pays>" identity of the book.
func (b *OrderBook) Key() string { return b.key }

// IsValid reports whether the pair itself is well formed: known currency
// codes, checksummed issuers for issued sides, and not a currency crossed
// with itself.
func (b *OrderBook) IsValid() bool {
	if b.currencyGets == b.currencyPays && b.issuerGets == b.issuerPays {
		return false
	}
	if !isValidCurrency(b.currencyGets) || !isValidCurrency(b.currencyPays) {
		return false
	}
	if b.currencyGets != nativeCurrency && !addresscodec.IsValidClassicAddress(b.issuerGets) {
		return false
	}
	if b.currencyPays != nativeCurrency && !addresscodec.IsValidClassicAddress(b.issuerPays) {
		return false
	}
	return true
}

// On subscribes a handler to one event type and returns its remove function.
// The first subscription across all types activates the book, the removal of
// the last one deactivates it.
func (b *OrderBook) On(t EventType, h Handler) (remove func()) {
	return b.em.on(t, h)
}

// GetOffersSync returns the current direct offers without touching the
// server. The slice is a copy; the offers themselves are shared.
func (b *OrderBook) GetOffersSync() []*Offer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Offer, len(b.offers))
	copy(out, b.offers)
	return out
}

// RequestOffers returns a full offer model, fetching a fresh snapshot unless
// one is already in flight, in which case the caller joins it. Concurrent
// callers are coalesced into a single server round trip.
func (b *OrderBook) RequestOffers(ctx context.Context) ([]*Offer, error) {
	b.mu.Lock()
	waiting := b.waitingForOffers
	b.mu.Unlock()
	if waiting {
		return b.waitForModel(ctx)
	}

	if !b.client.IsConnected() {
		return nil, ErrTransportOffline
	}

	b.mu.Lock()
	b.waitingForOffers = true
	if b.autobridgeable {
		b.gotOffersFromLegOne = false
		b.gotOffersFromLegTwo = false
	}
	b.mu.Unlock()

	if b.autobridgeable {
		go func() {
			if _, err := b.legOne.RequestOffers(context.Background()); err != nil {
				b.log.Warn().Err(err).Msg("leg one snapshot failed")
			}
		}()
		go func() {
			if _, err := b.legTwo.RequestOffers(context.Background()); err != nil {
				b.log.Warn().Err(err).Msg("leg two snapshot failed")
			}
		}()
	}
	out, err := b.fetchOffersCoalesced(ctx)
	if err != nil {
		b.setWaiting(false)
		return nil, err
	}
	return out, nil
}

func (b *OrderBook) fetchOffersCoalesced(ctx context.Context) ([]*Offer, error) {
	out, err, _ := b.flight.Do("offers", func() (any, error) {
		return b.fetchOffers(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*Offer), nil
}

func (b *OrderBook) fetchOffers(ctx context.Context) ([]*Offer, error) {
	if err := b.requestTransferRate(ctx); err != nil {
		return nil, err
	}
	return b.fetchOffersFromServer(ctx)
}

// waitForModel blocks until the next model event. Registering the listener
// counts toward activation, so an idle book starts its subscribe flow here.
func (b *OrderBook) waitForModel(ctx context.Context) ([]*Offer, error) {
	ch := make(chan []*Offer, 1)
	remove := b.On(EventModel, func(ev Event) {
		select {
		case ch <- ev.Offers:
		default:
		}
	})
	defer remove()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case offers := <-ch:
		return offers, nil
	}
}

// activate wires the book to the transport when the first listener arrives.
// A historical book fetches once; a live one subscribes to both streams.
func (b *OrderBook) activate() {
	b.log.Debug().Msg("activating book")

	if b.autobridgeable {
		r1 := b.legOne.On(EventModel, func(Event) { b.legModelReceived(legOne) })
		r2 := b.legTwo.On(EventModel, func(Event) { b.legModelReceived(legTwo) })
		b.mu.Lock()
		b.removeLegOneModel, b.removeLegTwoModel = r1, r2
		b.mu.Unlock()
	}

	if b.ledgerIndex != "" {
		go func() {
			if _, err := b.fetchOffersCoalesced(context.Background()); err != nil {
				b.log.Error().Err(err).Msg("historical snapshot failed")
			}
		}()
		return
	}

	remove := b.client.OnLedgerClosed(b.onLedgerClosed)
	b.mu.Lock()
	b.removeLedger = remove
	b.mu.Unlock()
	b.subscribeStream(true)
}

// deactivate tears the wiring back down after the last listener leaves.
func (b *OrderBook) deactivate() {
	b.log.Debug().Msg("deactivating book")

	b.mu.Lock()
	removeLedger := b.removeLedger
	removeLegOne := b.removeLegOneModel
	removeLegTwo := b.removeLegTwoModel
	b.removeLedger, b.removeLegOneModel, b.removeLegTwoModel = nil, nil, nil
	b.gotOffersFromLegOne = false
	b.gotOffersFromLegTwo = false
	b.mu.Unlock()

	if removeLedger != nil {
		removeLedger()
	}
	if removeLegOne != nil {
		removeLegOne()
	}
	if removeLegTwo != nil {
		removeLegTwo()
	}
	if b.ledgerIndex == "" {
		b.subscribeStream(false)
	}
}

type legID int

const (
	legOne legID = iota + 1
	legTwo
)

// legModelReceived marks a leg as reported. Only the first model from each
// leg triggers a recompute; later leg updates are picked up by the parent's
// own ledger countdown.
func (b *OrderBook) legModelReceived(leg legID) {
	b.mu.Lock()
	first := false
	switch leg {
	case legOne:
		first = !b.gotOffersFromLegOne
		b.gotOffersFromLegOne = true
	case legTwo:
		first = !b.gotOffersFromLegTwo
		b.gotOffersFromLegTwo = true
	}
	if first {
		b.computeAutobridgedOffersWrapperLocked()
	}
	b.mu.Unlock()
}

// onReconnect replays the unsubscribe/subscribe pair on a fresh connection.
// The stagger keeps the unsubscribe ahead of the resubscribe on the wire.
func (b *OrderBook) onReconnect() {
	time.AfterFunc(time.Millisecond, func() { b.subscribeStream(false) })
	time.AfterFunc(2*time.Millisecond, func() { b.subscribeStream(true) })
}

func (b *OrderBook) subscribeStream(subscribe bool) {
	cmd := "unsubscribe"
	if subscribe {
		cmd = "subscribe"
	}
	go func() {
		req := transport.SubscribeRequest{Command: cmd, Streams: []string{"transactions"}}
		if _, err := b.client.Request(context.Background(), req); err != nil {
			b.log.Warn().Err(err).Str("command", cmd).Msg("stream request failed")
			return
		}
		b.mu.Lock()
		b.subscribed = subscribe
		b.mu.Unlock()
	}()

	if subscribe {
		rc := b.client.OnConnected(b.onReconnect)
		rt := b.client.OnTransaction(b.onTransaction)
		b.mu.Lock()
		b.removeConnected, b.removeTransaction = rc, rt
		b.waitingForOffers = true
		b.mu.Unlock()
		go func() {
			if _, err := b.fetchOffersCoalesced(context.Background()); err != nil {
				// Left in the waiting state: the next connected event
				// resubscribes and retries the snapshot.
				b.log.Warn().Err(err).Msg("snapshot failed")
			}
		}()
		return
	}

	b.mu.Lock()
	rc := b.removeConnected
	rt := b.removeTransaction
	b.removeConnected, b.removeTransaction = nil, nil
	b.resetCacheLocked()
	b.mu.Unlock()
	if rt != nil {
		rt()
	}
	if rc != nil {
		rc()
	}
}

// onLedgerClosed arms the per-ledger transaction countdown and drops offers
// whose expiration passed with this close.
func (b *OrderBook) onLedgerClosed(m transport.LedgerClosed) {
	var evq []Event
	b.mu.Lock()
	b.transactionsLeft = -1
	b.closedLedgerVersion = m.LedgerVersion
	if m.TransactionCount > 0 && !b.waitingForOffers {
		b.transactionsLeft = m.TransactionCount
	}
	if err := b.pruneExpiredOffersLocked(m, &evq); err != nil {
		b.log.Error().Err(err).Msg("pruning expired offers failed")
	}
	b.mu.Unlock()
	b.flush(evq)
}

// onTransaction applies one validated transaction. When the countdown for
// the closed ledger reaches zero, a model is emitted if this book changed in
// that ledger; an autobridgeable book recomputes or merges instead.
func (b *OrderBook) onTransaction(ev transport.TransactionEvent) {
	var evq []Event
	b.mu.Lock()
	if !b.subscribed || b.waitingForOffers || b.transactionsLeft <= 0 {
		b.mu.Unlock()
		return
	}

	if err := b.processTransactionLocked(ev, &evq); err != nil {
		b.log.Error().Err(err).Msg("processing transaction failed")
	}

	b.transactionsLeft--
	if b.transactionsLeft == 0 {
		closed := b.closedLedgerVersion
		if b.autobridgeable {
			if !b.calculatorRunning {
				if b.legOne.lastUpdateLedger() == closed || b.legTwo.lastUpdateLedger() == closed {
					b.computeAutobridgedOffersWrapperLocked()
				} else if b.lastUpdateLedgerSequence == closed {
					b.mergeDirectAndAutobridgedBooksLocked(&evq)
				}
			}
		} else if b.lastUpdateLedgerSequence == closed {
			evq = append(evq, Event{Type: EventModel, Offers: b.offers})
		}
	}
	b.mu.Unlock()
	b.flush(evq)
}

func (b *OrderBook) lastUpdateLedger() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdateLedgerSequence
}

func (b *OrderBook) processTransactionLocked(ev transport.TransactionEvent, evq *[]Event) error {
	if len(ev.Meta) == 0 {
		return nil
	}
	var tx struct {
		TransactionType string `json:"TransactionType"`
		Hash            string `json:"hash"`
		OwnerFunds      string `json:"owner_funds"`
	}
	if len(ev.Transaction) > 0 {
		if err := json.Unmarshal(ev.Transaction, &tx); err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
	}

	var meta nodediff.Metadata
	if err := json.Unmarshal(ev.Meta, &meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	nodes := nodediff.Normalize(&meta, &nodediff.Filter{EntryType: "Offer", BookKey: b.key})
	if len(nodes) > 0 {
		b.log.Trace().Str("hash", tx.Hash).Int("nodes", len(nodes)).Msg("transaction affects book")

		getsTotal := b.zeroGets()
		paysTotal := b.zeroPays()
		isCancel := tx.TransactionType == "OfferCancel"

		for i := range nodes {
			var err error
			getsTotal, paysTotal, err = b.processTransactionNodeLocked(
				&nodes[i], isCancel, tx.OwnerFunds, getsTotal, paysTotal, evq)
			if err != nil {
				return err
			}
		}

		*evq = append(*evq, Event{Type: EventTransaction, Transaction: ev.Transaction})
		b.lastUpdateLedgerSequence = b.closedLedgerVersion

		// Cancelled and expired volume never counts as a trade.
		if !getsTotal.IsZero() {
			*evq = append(*evq, Event{Type: EventTrade, TakerGets: getsTotal, TakerPays: paysTotal})
		}
	}

	return b.updateFundedAmountsLocked(ev, evq)
}

func (b *OrderBook) processTransactionNodeLocked(
	node *nodediff.Node, isCancel bool, ownerFunds string,
	getsTotal, paysTotal value.Value, evq *[]Event,
) (value.Value, value.Value, error) {
	account := fieldString(node.Fields, "Account")
	if err := b.validateAccountLocked(account); err != nil {
		return nil, nil, err
	}

	switch node.DiffType {
	case nodediff.DiffDeleted:
		if err := b.deleteOfferLocked(node, isCancel, evq); err != nil {
			return nil, nil, err
		}
		if !isCancel {
			gets, pays, err := nodeTradeAmounts(node.FieldsFinal)
			if err != nil {
				return nil, nil, err
			}
			getsTotal = getsTotal.Add(gets)
			paysTotal = paysTotal.Add(pays)
		}

	case nodediff.DiffModified:
		if err := b.modifyOfferLocked(node, evq); err != nil {
			return nil, nil, err
		}
		prevGets, prevPays, err := nodeTradeAmounts(node.FieldsPrev)
		if err != nil {
			return nil, nil, err
		}
		finalGets, finalPays, err := nodeTradeAmounts(node.FieldsFinal)
		if err != nil {
			return nil, nil, err
		}
		getsTotal = getsTotal.Add(prevGets.Subtract(finalGets))
		paysTotal = paysTotal.Add(prevPays.Subtract(finalPays))

	case nodediff.DiffCreated:
		funds := ownerFunds
		if funds == "" {
			funds = infiniteFunds
		}
		if err := b.setOwnerFundsLocked(account, funds); err != nil {
			return nil, nil, err
		}
		if err := b.insertOfferLocked(node, evq); err != nil {
			return nil, nil, err
		}
	}
	return getsTotal, paysTotal, nil
}

// nodeTradeAmounts reads a node's TakerGets/TakerPays pair in the decimal
// variants matching their denominations.
func nodeTradeAmounts(fields map[string]json.RawMessage) (value.Value, value.Value, error) {
	gets, err := nodeAmountValue(fields, "TakerGets")
	if err != nil {
		return nil, nil, err
	}
	pays, err := nodeAmountValue(fields, "TakerPays")
	if err != nil {
		return nil, nil, err
	}
	return gets, pays, nil
}

func nodeAmountValue(fields map[string]json.RawMessage, key string) (value.Value, error) {
	raw, ok := fields[key]
	if !ok {
		return nil, fmt.Errorf("%w: affected node is missing %s", ErrInvariant, key)
	}
	var a Amount
	if err := a.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	v, err := parseAmountValue(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	return v, nil
}

// insertOfferLocked places a created offer at its quality position: before
// the first resting offer with an equal or worse quality key, so a new offer
// goes ahead of existing ones at the same quality.
func (b *OrderBook) insertOfferLocked(node *nodediff.Node, evq *[]Event) error {
	raw, err := json.Marshal(node.Fields)
	if err != nil {
		return err
	}
	offer, err := decodeOffer(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	offer.LedgerEntryType = node.EntryType
	offer.Index = node.LedgerIndex

	pos := len(b.offers)
	for i, existing := range b.offers {
		if offer.QualityHex <= existing.QualityHex {
			pos = i
			break
		}
	}
	b.offers = append(b.offers, nil)
	copy(b.offers[pos+1:], b.offers[pos:])
	b.offers[pos] = offer

	b.offerCounts[offer.Account]++
	if err := b.updateOwnerOffersFundedAmountLocked(offer.Account, evq); err != nil {
		return err
	}
	*evq = append(*evq, Event{Type: EventOfferAdded, Offer: offer})
	return nil
}

// modifyOfferLocked overlays the node's final fields onto the resting offer
// and recomputes the owner's funded amounts.
func (b *OrderBook) modifyOfferLocked(node *nodediff.Node, evq *[]Event) error {
	for _, offer := range b.offers {
		if offer.Index == node.LedgerIndex {
			if err := node.DecodeFinal(offer); err != nil {
				return fmt.Errorf("%w: %v", ErrInvariant, err)
			}
			break
		}
	}
	return b.updateOwnerOffersFundedAmountLocked(fieldString(node.Fields, "Account"), evq)
}

// deleteOfferLocked removes a deleted offer. A cancellation returns funds to
// the owner's remaining offers, so only then are they recomputed.
func (b *OrderBook) deleteOfferLocked(node *nodediff.Node, isCancel bool, evq *[]Event) error {
	for i, offer := range b.offers {
		if offer.Index != node.LedgerIndex {
			continue
		}
		if err := b.subtractOwnerOfferTotalLocked(offer.Account, offer.TakerGets); err != nil {
			return err
		}
		b.offers = append(b.offers[:i], b.offers[i+1:]...)
		b.decrementOwnerOfferCountLocked(offer.Account)
		*evq = append(*evq, Event{Type: EventOfferRemoved, Offer: offer})
		break
	}
	if isCancel {
		return b.updateOwnerOffersFundedAmountLocked(fieldString(node.Fields, "Account"), evq)
	}
	return nil
}

// pruneExpiredOffersLocked drops offers whose Expiration is at or before the
// close time of the just-validated ledger.
func (b *OrderBook) pruneExpiredOffersLocked(m transport.LedgerClosed, evq *[]Event) error {
	if len(b.offers) == 0 {
		return nil
	}
	kept := make([]*Offer, 0, len(b.offers))
	pruned := false
	for _, offer := range b.offers {
		if offer.Expiration == 0 || offer.Expiration > m.LedgerTime {
			kept = append(kept, offer)
			continue
		}
		if err := b.subtractOwnerOfferTotalLocked(offer.Account, offer.TakerGets); err != nil {
			return err
		}
		b.decrementOwnerOfferCountLocked(offer.Account)
		if err := b.updateOwnerOffersFundedAmountLocked(offer.Account, evq); err != nil {
			return err
		}
		*evq = append(*evq, Event{Type: EventOfferRemoved, Offer: offer})
		pruned = true
	}
	if pruned {
		b.offers = kept
		*evq = append(*evq, Event{Type: EventModel, Offers: b.offers})
	}
	return nil
}

// updateFundedAmountsLocked folds balance changes from a transaction into
// owner funds. For an issued gets side the issuer transfer rate must be known
// first; until it is, events queue up and replay once the rate arrives.
func (b *OrderBook) updateFundedAmountsLocked(ev transport.TransactionEvent, evq *[]Event) error {
	if len(ev.Meta) == 0 {
		return nil
	}
	if b.currencyGets != nativeCurrency && b.issuerTransferRate == nil {
		b.log.Trace().Msg("transfer rate not yet known, deferring funds update")
		b.pendingFundUpdates = append(b.pendingFundUpdates, ev)
		if !b.rateFetchInFlight {
			b.rateFetchInFlight = true
			go b.fetchRateAndReplay()
		}
		return nil
	}

	var meta nodediff.Metadata
	if err := json.Unmarshal(ev.Meta, &meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	nodes := nodediff.Normalize(&meta, &nodediff.Filter{DiffType: nodediff.DiffModified})
	for i := range nodes {
		node := &nodes[i]
		if !b.isBalanceChangeNode(node) {
			continue
		}
		account, balance, err := b.parseAccountBalanceLocked(node)
		if err != nil {
			return err
		}
		if account == "" || !b.hasOwnerFundsLocked(account) {
			continue
		}
		if err := b.setOwnerFundsLocked(account, balance); err != nil {
			return err
		}
		if err := b.updateOwnerOffersFundedAmountLocked(account, evq); err != nil {
			return err
		}
	}
	return nil
}

func (b *OrderBook) fetchRateAndReplay() {
	err := b.requestTransferRate(context.Background())

	var evq []Event
	b.mu.Lock()
	b.rateFetchInFlight = false
	pending := b.pendingFundUpdates
	b.pendingFundUpdates = nil
	if err != nil {
		b.mu.Unlock()
		b.log.Error().Err(err).Msg("transfer rate fetch failed, dropping deferred funds updates")
		return
	}
	for _, ev := range pending {
		if uerr := b.updateFundedAmountsLocked(ev, &evq); uerr != nil {
			b.log.Error().Err(uerr).Msg("replaying deferred funds update failed")
		}
	}
	b.mu.Unlock()
	b.flush(evq)
}

// isBalanceChangeNode reports whether a modified node is a balance change in
// this book's gets denomination: an AccountRoot for the native side, a trust
// line against the gets issuer otherwise.
func (b *OrderBook) isBalanceChangeNode(node *nodediff.Node) bool {
	if _, ok := node.Fields["Balance"]; !ok {
		return false
	}
	if _, ok := node.FieldsPrev["Balance"]; !ok {
		return false
	}
	if _, ok := node.FieldsFinal["Balance"]; !ok {
		return false
	}

	var balance Amount
	if err := balance.UnmarshalJSON(node.Fields["Balance"]); err != nil {
		return false
	}

	if b.currencyGets == nativeCurrency {
		if node.EntryType != "AccountRoot" || !balance.Native() {
			return false
		}
		_, err := value.NewIOU(balance.Value)
		return err == nil
	}

	if node.EntryType != "RippleState" || balance.Currency != b.currencyGets {
		return false
	}
	high := fieldAmount(node.Fields, "HighLimit")
	low := fieldAmount(node.Fields, "LowLimit")
	return high.Issuer == b.issuerGets || low.Issuer == b.issuerGets
}

// parseAccountBalanceLocked extracts the owner and their new balance from a
// balance-change node. On a trust line the balance is stored from the low
// side's perspective, so a high-side owner's balance is negated.
func (b *OrderBook) parseAccountBalanceLocked(node *nodediff.Node) (string, string, error) {
	var account, balance string

	switch node.EntryType {
	case "AccountRoot":
		account = fieldString(node.Fields, "Account")
		balance = fieldAmount(node.FieldsFinal, "Balance").Value

	case "RippleState":
		final := fieldAmount(node.FieldsFinal, "Balance")
		high := fieldAmount(node.Fields, "HighLimit")
		low := fieldAmount(node.Fields, "LowLimit")
		switch b.issuerGets {
		case high.Issuer:
			account = low.Issuer
			balance = final.Value
		case low.Issuer:
			account = high.Issuer
			v, err := value.NewIOU(final.Value)
			if err != nil {
				return "", "", fmt.Errorf("%w: balance %q is not numeric", ErrInvariant, final.Value)
			}
			balance = v.Negate().String()
		}
	}

	if account == "" {
		return "", "", nil
	}
	if _, err := value.NewIOU(balance); err != nil {
		return "", "", fmt.Errorf("%w: balance %q is not numeric", ErrInvariant, balance)
	}
	if err := b.validateAccountLocked(account); err != nil {
		return "", "", err
	}
	return account, balance, nil
}

// updateOwnerOffersFundedAmountLocked recomputes funded amounts for all of
// one owner's offers in book order, emitting change events where the funded
// gets amount moved.
func (b *OrderBook) updateOwnerOffersFundedAmountLocked(account string, evq *[]Event) error {
	if !b.hasOwnerFundsLocked(account) {
		return nil
	}
	b.log.Trace().Str("account", account).Msg("updating offer funds")

	b.ownerOffersTotal[account] = b.zeroGets()
	for _, offer := range b.offers {
		if offer.Account != account {
			continue
		}
		previous := offer.Clone()
		var prevFunded value.Value
		if offer.TakerGetsFunded != "" {
			prevFunded = b.makeGetsValue(offer.TakerGetsFunded)
		}
		if err := b.setOfferFundedAmountLocked(offer); err != nil {
			return err
		}
		b.addOwnerOfferTotalLocked(account, offer.TakerGets)

		if prevFunded != nil && !b.makeGetsValue(offer.TakerGetsFunded).Equals(prevFunded) {
			*evq = append(*evq, Event{Type: EventOfferChanged, Offer: offer, Previous: previous})
			*evq = append(*evq, Event{
				Type:     EventOfferFundsChanged,
				Offer:    offer,
				OldFunds: previous.TakerGetsFunded,
				NewFunds: offer.TakerGetsFunded,
			})
		}
	}
	return nil
}

// setOfferFundedAmountLocked derives taker_gets_funded/taker_pays_funded for
// one offer from its owner's remaining funds, in book order: funds already
// consumed by the owner's better offers come first.
func (b *OrderBook) setOfferFundedAmountLocked(offer *Offer) error {
	takerGets, err := parseAmountValue(offer.TakerGets)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	funds, infinite, err := b.ownerFundsValueLocked(offer.Account)
	if err != nil {
		return err
	}
	previousSum := b.ownerOfferTotalLocked(offer.Account)

	offer.OwnerFunds = b.ownerFundsUnadjusted[offer.Account]

	switch {
	case infinite || funds.ComparedTo(previousSum.Add(takerGets)) >= 0:
		offer.IsFullyFunded = true
		offer.TakerGetsFunded = takerGets.String()
		offer.TakerPaysFunded = offer.TakerPays.Value

	case previousSum.ComparedTo(funds) < 0:
		offer.IsFullyFunded = false
		fundedGets := funds.Subtract(previousSum)
		offer.TakerGetsFunded = fundedGets.String()

		paysFunded := mustIOU(offer.Quality).Multiply(mustIOU(offer.TakerGetsFunded))
		if b.currencyPays == nativeCurrency {
			// Drops are integral.
			paysFunded = value.Floor(paysFunded)
		}
		offer.TakerPaysFunded = paysFunded.String()

	default:
		offer.IsFullyFunded = false
		offer.TakerGetsFunded = "0"
		offer.TakerPaysFunded = "0"
	}
	return nil
}

func (b *OrderBook) ownerFundsValueLocked(account string) (value.Value, bool, error) {
	funds, ok := b.ownerFunds[account]
	if !ok {
		return nil, false, fmt.Errorf("%w: no owner funds for %s", ErrInvariant, account)
	}
	if funds == infiniteFunds {
		return nil, true, nil
	}
	return b.makeGetsValue(funds), false, nil
}

func (b *OrderBook) hasOwnerFundsLocked(account string) bool {
	_, ok := b.ownerFunds[account]
	return ok
}

func (b *OrderBook) setOwnerFundsLocked(account, funds string) error {
	if funds != infiniteFunds {
		if _, err := value.NewIOU(funds); err != nil {
			return fmt.Errorf("%w: owner funds %q is not numeric", ErrInvariant, funds)
		}
	}
	b.ownerFundsUnadjusted[account] = funds
	b.ownerFunds[account] = b.applyTransferRateLocked(funds)
	return nil
}

// applyTransferRateLocked discounts a balance by the issuer's transfer rate,
// the cut the issuer takes on every transfer of their asset.
func (b *OrderBook) applyTransferRateLocked(balance string) string {
	if balance == infiniteFunds || b.transferRateDefault {
		return balance
	}
	return mustIOU(balance).Divide(b.issuerTransferRate).String()
}

func (b *OrderBook) decrementOwnerOfferCountLocked(account string) {
	b.offerCounts[account]--
	if b.offerCounts[account] < 1 {
		delete(b.offerCounts, account)
		delete(b.ownerFunds, account)
	}
}

func (b *OrderBook) ownerOfferTotalLocked(account string) value.Value {
	if total, ok := b.ownerOffersTotal[account]; ok {
		return total
	}
	return b.zeroGets()
}

func (b *OrderBook) addOwnerOfferTotalLocked(account string, amount Amount) {
	b.ownerOffersTotal[account] = b.ownerOfferTotalLocked(account).Add(b.makeGetsValue(amount.Value))
}

func (b *OrderBook) subtractOwnerOfferTotalLocked(account string, amount Amount) error {
	remaining := b.ownerOfferTotalLocked(account).Subtract(b.makeGetsValue(amount.Value))
	if remaining.IsNegative() {
		return fmt.Errorf("%w: negative offer total for %s", ErrInvariant, account)
	}
	b.ownerOffersTotal[account] = remaining
	return nil
}

// makeGetsValue parses a magnitude in the gets denomination's variant.
func (b *OrderBook) makeGetsValue(s string) value.Value {
	if b.currencyGets == nativeCurrency {
		return value.MustXRP(s)
	}
	return value.MustIOU(s)
}

func (b *OrderBook) zeroGets() value.Value {
	if b.currencyGets == nativeCurrency {
		return value.ZeroXRP
	}
	return value.ZeroIOU
}

func (b *OrderBook) zeroPays() value.Value {
	if b.currencyPays == nativeCurrency {
		return value.ZeroXRP
	}
	return value.ZeroIOU
}

func (b *OrderBook) validateAccountLocked(account string) error {
	if account == "" {
		return fmt.Errorf("%w: affected node has no account", ErrInvariant)
	}
	if _, ok := b.validAccounts.Get(account); ok {
		return nil
	}
	if !addresscodec.IsValidClassicAddress(account) {
		return fmt.Errorf("%w: invalid account %s", ErrInvariant, account)
	}
	b.validAccounts.Add(account, struct{}{})
	return nil
}

// requestTransferRate resolves and caches the gets issuer's transfer rate.
// The native asset has no issuer, so its rate is always the default.
func (b *OrderBook) requestTransferRate(ctx context.Context) error {
	b.mu.Lock()
	if b.currencyGets == nativeCurrency {
		b.issuerTransferRate = defaultTransferRate
		b.transferRateDefault = true
		b.mu.Unlock()
		return nil
	}
	if b.issuerTransferRate != nil {
		b.mu.Unlock()
		return nil
	}
	issuer := b.issuerGets
	b.mu.Unlock()

	raw, err := b.client.Request(ctx, transport.AccountInfoRequest{
		Command:     "account_info",
		Account:     issuer,
		LedgerIndex: "validated",
	})
	if err != nil {
		return fmt.Errorf("account_info %s: %w", issuer, err)
	}
	var resp struct {
		AccountData struct {
			TransferRate uint64 `json:"TransferRate"`
		} `json:"account_data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode account_info response: %w", err)
	}

	b.mu.Lock()
	if resp.AccountData.TransferRate == 0 {
		b.issuerTransferRate = defaultTransferRate
		b.transferRateDefault = true
	} else {
		rate := value.MustIOU(fmt.Sprintf("%d", resp.AccountData.TransferRate))
		b.issuerTransferRate = rate.Divide(transferRateScale)
		b.transferRateDefault = false
	}
	b.mu.Unlock()
	return nil
}

func (b *OrderBook) fetchOffersFromServer(ctx context.Context) ([]*Offer, error) {
	if !b.client.IsConnected() {
		return nil, ErrTransportOffline
	}
	b.log.Debug().Msg("requesting snapshot")

	taker := b.account
	if taker == "" {
		taker = baseTakerAddress
	}
	ledgerIndex := b.ledgerIndex
	if ledgerIndex == "" {
		ledgerIndex = "validated"
	}
	raw, err := b.client.Request(ctx, transport.BookOffersRequest{
		Command:     "book_offers",
		Taker:       taker,
		TakerGets:   b.takerGetsSpec(),
		TakerPays:   b.takerPaysSpec(),
		LedgerIndex: ledgerIndex,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		LedgerIndex int64             `json:"ledger_index"`
		Offers      []json.RawMessage `json:"offers"`
	}
	decodeErr := json.Unmarshal(raw, &resp)

	b.mu.Lock()
	b.lastUpdateLedgerSequence = resp.LedgerIndex
	b.mu.Unlock()

	if decodeErr != nil || resp.Offers == nil {
		b.setWaiting(false)
		b.em.emit(Event{Type: EventModel, Offers: []*Offer{}})
		return nil, ErrInvalidResponse
	}

	offers := make([]*Offer, 0, len(resp.Offers))
	for _, ro := range resp.Offers {
		offer, err := decodeOffer(ro)
		if err != nil {
			b.setWaiting(false)
			b.em.emit(Event{Type: EventModel, Offers: []*Offer{}})
			return nil, ErrInvalidResponse
		}
		offers = append(offers, offer)
	}

	b.mu.Lock()
	if err := b.setOffersLocked(offers); err != nil {
		b.waitingForOffers = false
		b.mu.Unlock()
		return nil, err
	}
	if !b.autobridgeable {
		b.waitingForOffers = false
		out := b.offers
		b.mu.Unlock()
		b.em.emit(Event{Type: EventModel, Offers: out})
		return out, nil
	}
	b.computeAutobridgedOffersWrapperLocked()
	b.mu.Unlock()

	// The merged model arrives once both legs have reported and the
	// calculator finished.
	out, err := b.waitForModel(ctx)
	b.setWaiting(false)
	return out, err
}

func (b *OrderBook) setWaiting(waiting bool) {
	b.mu.Lock()
	b.waitingForOffers = waiting
	b.mu.Unlock()
}

// setOffersLocked installs a snapshot, rebuilding every owner cache from it.
func (b *OrderBook) setOffersLocked(offers []*Offer) error {
	b.resetCacheLocked()
	for _, offer := range offers {
		if err := b.validateAccountLocked(offer.Account); err != nil {
			return err
		}
		if offer.OwnerFunds != "" {
			if err := b.setOwnerFundsLocked(offer.Account, offer.OwnerFunds); err != nil {
				return err
			}
		}
		b.offerCounts[offer.Account]++
		b.offers = append(b.offers, offer)
		if err := b.setOfferFundedAmountLocked(offer); err != nil {
			return err
		}
		b.addOwnerOfferTotalLocked(offer.Account, offer.TakerGets)
	}
	b.synced = true
	return nil
}

func (b *OrderBook) resetCacheLocked() {
	b.offers = nil
	b.offerCounts = make(map[string]int)
	b.ownerFunds = make(map[string]string)
	b.ownerFundsUnadjusted = make(map[string]string)
	b.ownerOffersTotal = make(map[string]value.Value)
	b.synced = false
}

// computeAutobridgedOffersWrapperLocked starts a calculator run when both
// legs have reported, the direct book is synced, and no run is in flight.
// The result is merged and flushed from the calculator's own goroutine.
func (b *OrderBook) computeAutobridgedOffersWrapperLocked() {
	if !b.gotOffersFromLegOne || !b.gotOffersFromLegTwo || !b.synced || b.calculatorRunning {
		return
	}
	b.calculatorRunning = true

	calc := newAutobridgeCalculator(
		b.currencyGets, b.issuerGets,
		b.currencyPays, b.issuerPays,
		b.legOne.GetOffersSync(), b.legTwo.GetOffersSync(),
		b.log,
	)
	go calc.calculate(func(offers []*Offer) {
		var evq []Event
		b.mu.Lock()
		b.offersAutobridged = offers
		b.mergeDirectAndAutobridgedBooksLocked(&evq)
		b.calculatorRunning = false
		b.mu.Unlock()
		b.flush(evq)
	})
}

// mergeDirectAndAutobridgedBooksLocked interleaves direct and synthetic
// offers by quality key and queues the combined model.
func (b *OrderBook) mergeDirectAndAutobridgedBooksLocked(evq *[]Event) {
	if len(b.offers) == 0 && len(b.offersAutobridged) == 0 {
		// An empty model is still news once everything has reported in.
		if b.synced && b.gotOffersFromLegOne && b.gotOffersFromLegTwo {
			b.mergedOffers = nil
			*evq = append(*evq, Event{Type: EventModel, Offers: []*Offer{}})
		}
		return
	}

	merged := make([]*Offer, 0, len(b.offers)+len(b.offersAutobridged))
	merged = append(merged, b.offers...)
	merged = append(merged, b.offersAutobridged...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].QualityHex < merged[j].QualityHex
	})
	b.mergedOffers = merged
	*evq = append(*evq, Event{Type: EventModel, Offers: merged})
}

func (b *OrderBook) takerGetsSpec() transport.CurrencySpec {
	s := transport.CurrencySpec{Currency: b.currencyGets}
	if b.currencyGets != nativeCurrency {
		s.Issuer = b.issuerGets
	}
	return s
}

func (b *OrderBook) takerPaysSpec() transport.CurrencySpec {
	s := transport.CurrencySpec{Currency: b.currencyPays}
	if b.currencyPays != nativeCurrency {
		s.Issuer = b.issuerPays
	}
	return s
}

func (b *OrderBook) flush(evq []Event) {
	for _, ev := range evq {
		b.em.emit(ev)
	}
}

func fieldString(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func fieldAmount(fields map[string]json.RawMessage, key string) Amount {
	var a Amount
	if raw, ok := fields[key]; ok {
		_ = a.UnmarshalJSON(raw)
	}
	return a
}
