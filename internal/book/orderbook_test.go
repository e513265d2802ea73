package book

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/xrplbook/internal/nodediff"
	"github.com/LeJamon/xrplbook/internal/transport"
)

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	responses map[string]json.RawMessage
	requests  []map[string]any

	next      int
	ledgerFns map[int]func(transport.LedgerClosed)
	txFns     map[int]func(transport.TransactionEvent)
	connFns   map[int]func()
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		connected: true,
		responses: make(map[string]json.RawMessage),
		ledgerFns: make(map[int]func(transport.LedgerClosed)),
		txFns:     make(map[int]func(transport.TransactionEvent)),
		connFns:   make(map[int]func()),
	}
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Request(_ context.Context, command any) (json.RawMessage, error) {
	raw, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	name, _ := m["command"].(string)

	f.mu.Lock()
	f.requests = append(f.requests, m)
	resp, ok := f.responses[name]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no canned response for command %q", name)
	}
	return resp, nil
}

func (f *fakeClient) OnLedgerClosed(fn func(transport.LedgerClosed)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.ledgerFns[id] = fn
	return func() { f.mu.Lock(); delete(f.ledgerFns, id); f.mu.Unlock() }
}

func (f *fakeClient) OnTransaction(fn func(transport.TransactionEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.txFns[id] = fn
	return func() { f.mu.Lock(); delete(f.txFns, id); f.mu.Unlock() }
}

func (f *fakeClient) OnConnected(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.connFns[id] = fn
	return func() { f.mu.Lock(); delete(f.connFns, id); f.mu.Unlock() }
}

const (
	dirPrefix = "4627DFFCFF8B5A265EDBD8AE8C14A52325DBFEDAF4F5C32E5B00000000"

	keyQuality2M = "5B071AFD498D0000" // 2000000
	keyQuality3M = "5B0AA87BEE538000" // 3000000
)

func bookDir(qualityKey string) string {
	return dirPrefix[:64-len(qualityKey)] + qualityKey
}

func accountInfoResponse(transferRate uint64) json.RawMessage {
	if transferRate == 0 {
		return json.RawMessage(`{"account_data": {}}`)
	}
	return json.RawMessage(fmt.Sprintf(`{"account_data": {"TransferRate": %d}}`, transferRate))
}

// snapshotResponse is a book_offers result for the USD/issuerA : XRP pair:
// one owner with 50 USD backing 40 + 30 USD of offers.
func snapshotResponse() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"ledger_index": 99,
		"offers": [
			{
				"Account": %q,
				"BookDirectory": %q,
				"Flags": 0,
				"Sequence": 1,
				"TakerGets": {"currency": "USD", "issuer": %q, "value": "40"},
				"TakerPays": "80000000",
				"index": "OFFER1",
				"owner_funds": "50"
			},
			{
				"Account": %q,
				"BookDirectory": %q,
				"Flags": 0,
				"Sequence": 2,
				"TakerGets": {"currency": "USD", "issuer": %q, "value": "30"},
				"TakerPays": "90000000",
				"index": "OFFER2"
			}
		]
	}`, ownerOne, bookDir(keyQuality2M), issuerA,
		ownerOne, bookDir(keyQuality3M), issuerA))
}

func newTestBook(t *testing.T, fc *fakeClient) *OrderBook {
	t.Helper()
	b := New(fc, Options{
		CurrencyGets: "USD",
		IssuerGets:   issuerA,
		CurrencyPays: "XRP",
		Logger:       zerolog.Nop(),
	})
	// Detach the subscribe lifecycle so handlers can be registered without
	// triggering stream requests.
	b.em = newEmitter(nil, nil)
	return b
}

func loadSnapshot(t *testing.T, fc *fakeClient, b *OrderBook) []*Offer {
	t.Helper()
	fc.responses["account_info"] = accountInfoResponse(0)
	fc.responses["book_offers"] = snapshotResponse()
	offers, err := b.RequestOffers(context.Background())
	require.NoError(t, err)
	return offers
}

func TestRequestOffersOffline(t *testing.T) {
	fc := newFakeClient()
	fc.connected = false
	b := newTestBook(t, fc)

	_, err := b.RequestOffers(context.Background())
	assert.ErrorIs(t, err, ErrTransportOffline)
}

func TestRequestOffersFundsOffersInBookOrder(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	offers := loadSnapshot(t, fc, b)
	require.Len(t, offers, 2)

	first := offers[0]
	assert.True(t, first.IsFullyFunded)
	assert.Equal(t, "40", first.TakerGetsFunded)
	assert.Equal(t, "80000000", first.TakerPaysFunded)
	assert.Equal(t, "50", first.OwnerFunds)
	assert.Equal(t, "2000000", first.Quality)
	assert.Equal(t, keyQuality2M, first.QualityHex)

	// The better offer consumed 40 of the 50 USD; 10 remain.
	second := offers[1]
	assert.False(t, second.IsFullyFunded)
	assert.Equal(t, "10", second.TakerGetsFunded)
	// 3000000 * 10 drops, floored to whole drops.
	assert.Equal(t, "30000000", second.TakerPaysFunded)
}

func TestRequestOffersInvalidResponse(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	fc.responses["account_info"] = accountInfoResponse(0)
	fc.responses["book_offers"] = json.RawMessage(`{"ledger_index": 99}`)

	var models [][]*Offer
	b.On(EventModel, func(ev Event) { models = append(models, ev.Offers) })

	_, err := b.RequestOffers(context.Background())
	assert.ErrorIs(t, err, ErrInvalidResponse)
	require.Len(t, models, 1)
	assert.Empty(t, models[0])
}

func TestTransferRateDiscountsOwnerFunds(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	fc.responses["account_info"] = accountInfoResponse(1002000000)
	fc.responses["book_offers"] = json.RawMessage(fmt.Sprintf(`{
		"ledger_index": 99,
		"offers": [{
			"Account": %q,
			"BookDirectory": %q,
			"TakerGets": {"currency": "USD", "issuer": %q, "value": "100"},
			"TakerPays": "200000000",
			"index": "OFFER1",
			"owner_funds": "100.2"
		}]
	}`, ownerOne, bookDir(keyQuality2M), issuerA))

	offers, err := b.RequestOffers(context.Background())
	require.NoError(t, err)
	require.Len(t, offers, 1)

	// 100.2 at a 1.002 transfer rate funds exactly 100 USD of offers.
	assert.True(t, offers[0].IsFullyFunded)
	assert.Equal(t, "100", offers[0].TakerGetsFunded)
	assert.Equal(t, "100.2", offers[0].OwnerFunds)
}

func ledgerClose(b *OrderBook, version int64, txCount int) {
	b.onLedgerClosed(transport.LedgerClosed{
		LedgerVersion:    version,
		TransactionCount: txCount,
		LedgerTime:       uint32(version * 10),
	})
}

func markSubscribed(b *OrderBook) {
	b.mu.Lock()
	b.subscribed = true
	b.mu.Unlock()
}

func TestOfferCreateInsertsAtQualityPosition(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	loadSnapshot(t, fc, b)
	markSubscribed(b)

	var added []*Offer
	var models [][]*Offer
	b.On(EventOfferAdded, func(ev Event) { added = append(added, ev.Offer) })
	b.On(EventModel, func(ev Event) { models = append(models, ev.Offers) })

	ledgerClose(b, 100, 1)
	b.onTransaction(transport.TransactionEvent{
		Transaction: json.RawMessage(fmt.Sprintf(`{
			"TransactionType": "OfferCreate",
			"Account": %q,
			"hash": "TX1",
			"owner_funds": "20"
		}`, ownerTwo)),
		Meta: json.RawMessage(fmt.Sprintf(`{
			"AffectedNodes": [{
				"CreatedNode": {
					"LedgerEntryType": "Offer",
					"LedgerIndex": "OFFER3",
					"NewFields": {
						"Account": %q,
						"BookDirectory": %q,
						"Sequence": 7,
						"TakerGets": {"currency": "USD", "issuer": %q, "value": "20"},
						"TakerPays": "40000000"
					}
				}
			}]
		}`, ownerTwo, bookDir(keyQuality2M), issuerA)),
		Validated: true,
	})

	require.Len(t, added, 1)
	assert.Equal(t, "OFFER3", added[0].Index)
	assert.True(t, added[0].IsFullyFunded)
	assert.Equal(t, "20", added[0].TakerGetsFunded)
	assert.Equal(t, keyQuality2M, added[0].QualityHex)

	// An equal quality key goes ahead of the resting offer.
	require.Len(t, models, 1)
	require.Len(t, models[0], 3)
	assert.Equal(t, "OFFER3", models[0][0].Index)
	assert.Equal(t, "OFFER1", models[0][1].Index)
	assert.Equal(t, "OFFER2", models[0][2].Index)
}

func TestConsumedOfferEmitsTrade(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	loadSnapshot(t, fc, b)
	markSubscribed(b)

	var removed []*Offer
	var trades []Event
	b.On(EventOfferRemoved, func(ev Event) { removed = append(removed, ev.Offer) })
	b.On(EventTrade, func(ev Event) { trades = append(trades, ev) })

	ledgerClose(b, 100, 1)
	b.onTransaction(transport.TransactionEvent{
		Transaction: json.RawMessage(`{"TransactionType": "Payment", "hash": "TX2"}`),
		Meta: json.RawMessage(fmt.Sprintf(`{
			"AffectedNodes": [{
				"DeletedNode": {
					"LedgerEntryType": "Offer",
					"LedgerIndex": "OFFER2",
					"FinalFields": {
						"Account": %q,
						"BookDirectory": %q,
						"TakerGets": {"currency": "USD", "issuer": %q, "value": "30"},
						"TakerPays": "90000000"
					}
				}
			}]
		}`, ownerOne, bookDir(keyQuality3M), issuerA)),
		Validated: true,
	})

	require.Len(t, removed, 1)
	assert.Equal(t, "OFFER2", removed[0].Index)
	assert.Len(t, b.GetOffersSync(), 1)

	require.Len(t, trades, 1)
	assert.Equal(t, "30", trades[0].TakerGets.String())
	assert.Equal(t, "90000000", trades[0].TakerPays.String())
}

func TestCancelledOfferEmitsNoTrade(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	loadSnapshot(t, fc, b)
	markSubscribed(b)

	var trades []Event
	var fundsChanged []Event
	b.On(EventTrade, func(ev Event) { trades = append(trades, ev) })
	b.On(EventOfferFundsChanged, func(ev Event) { fundsChanged = append(fundsChanged, ev) })

	ledgerClose(b, 100, 1)
	b.onTransaction(transport.TransactionEvent{
		Transaction: json.RawMessage(fmt.Sprintf(
			`{"TransactionType": "OfferCancel", "Account": %q, "hash": "TX3"}`, ownerOne)),
		Meta: json.RawMessage(fmt.Sprintf(`{
			"AffectedNodes": [{
				"DeletedNode": {
					"LedgerEntryType": "Offer",
					"LedgerIndex": "OFFER1",
					"FinalFields": {
						"Account": %q,
						"BookDirectory": %q,
						"TakerGets": {"currency": "USD", "issuer": %q, "value": "40"},
						"TakerPays": "80000000"
					}
				}
			}]
		}`, ownerOne, bookDir(keyQuality2M), issuerA)),
		Validated: true,
	})

	assert.Empty(t, trades)
	assert.Len(t, b.GetOffersSync(), 1)

	// The cancel returns 40 USD to the owner, fully funding the worse offer.
	require.NotEmpty(t, fundsChanged)
	last := fundsChanged[len(fundsChanged)-1]
	assert.Equal(t, "OFFER2", last.Offer.Index)
	assert.Equal(t, "30", last.NewFunds)
	assert.True(t, last.Offer.IsFullyFunded)
}

func TestBalanceChangeUpdatesFundedAmounts(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	loadSnapshot(t, fc, b)
	markSubscribed(b)

	var fundsChanged []Event
	b.On(EventOfferFundsChanged, func(ev Event) { fundsChanged = append(fundsChanged, ev) })

	// A trust line change drops the owner's USD balance from 50 to 25.
	ledgerClose(b, 100, 1)
	b.onTransaction(transport.TransactionEvent{
		Transaction: json.RawMessage(`{"TransactionType": "Payment", "hash": "TX4"}`),
		Meta: json.RawMessage(fmt.Sprintf(`{
			"AffectedNodes": [{
				"ModifiedNode": {
					"LedgerEntryType": "RippleState",
					"LedgerIndex": "LINE1",
					"PreviousFields": {
						"Balance": {"currency": "USD", "issuer": "rrrrrrrrrrrrrrrrrrrrBZbvji", "value": "50"}
					},
					"FinalFields": {
						"Balance": {"currency": "USD", "issuer": "rrrrrrrrrrrrrrrrrrrrBZbvji", "value": "25"},
						"HighLimit": {"currency": "USD", "issuer": %q, "value": "0"},
						"LowLimit": {"currency": "USD", "issuer": %q, "value": "1000"}
					}
				}
			}]
		}`, issuerA, ownerOne)),
		Validated: true,
	})

	offers := b.GetOffersSync()
	require.Len(t, offers, 2)
	assert.False(t, offers[0].IsFullyFunded)
	assert.Equal(t, "25", offers[0].TakerGetsFunded)
	assert.Equal(t, "50000000", offers[0].TakerPaysFunded)
	assert.Equal(t, "0", offers[1].TakerGetsFunded)
	assert.NotEmpty(t, fundsChanged)
}

func TestMalformedTrustLineBalanceRejected(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	loadSnapshot(t, fc, b)
	markSubscribed(b)

	// The gets issuer sits on the low side, so the balance would be negated
	// for the high-side owner. The non-numeric value must surface as an
	// error, not kill the handler.
	metaRaw := json.RawMessage(fmt.Sprintf(`{
		"AffectedNodes": [{
			"ModifiedNode": {
				"LedgerEntryType": "RippleState",
				"LedgerIndex": "LINE2",
				"PreviousFields": {
					"Balance": {"currency": "USD", "issuer": "rrrrrrrrrrrrrrrrrrrrBZbvji", "value": "-50"}
				},
				"FinalFields": {
					"Balance": {"currency": "USD", "issuer": "rrrrrrrrrrrrrrrrrrrrBZbvji", "value": "garbage"},
					"HighLimit": {"currency": "USD", "issuer": %q, "value": "0"},
					"LowLimit": {"currency": "USD", "issuer": %q, "value": "1000"}
				}
			}
		}]
	}`, ownerOne, issuerA))

	ledgerClose(b, 100, 1)
	require.NotPanics(t, func() {
		b.onTransaction(transport.TransactionEvent{
			Transaction: json.RawMessage(`{"TransactionType": "Payment", "hash": "TX7"}`),
			Meta:        metaRaw,
			Validated:   true,
		})
	})

	// The rejected update leaves the funded amounts intact.
	offers := b.GetOffersSync()
	require.Len(t, offers, 2)
	assert.Equal(t, "40", offers[0].TakerGetsFunded)
	assert.Equal(t, "10", offers[1].TakerGetsFunded)

	var meta nodediff.Metadata
	require.NoError(t, json.Unmarshal(metaRaw, &meta))
	nodes := nodediff.Normalize(&meta, &nodediff.Filter{DiffType: nodediff.DiffModified})
	require.Len(t, nodes, 1)
	b.mu.Lock()
	_, _, err := b.parseAccountBalanceLocked(&nodes[0])
	b.mu.Unlock()
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestRequestOffersRepeatedSnapshotIdentical(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)

	first := loadSnapshot(t, fc, b)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	fundsFirst, unadjFirst, countsFirst, totalsFirst := ownerState(b)

	second, err := b.RequestOffers(context.Background())
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, string(firstJSON), string(secondJSON))
	fundsSecond, unadjSecond, countsSecond, totalsSecond := ownerState(b)
	assert.Equal(t, fundsFirst, fundsSecond)
	assert.Equal(t, unadjFirst, unadjSecond)
	assert.Equal(t, countsFirst, countsSecond)
	assert.Equal(t, totalsFirst, totalsSecond)
}

func ownerState(b *OrderBook) (funds, unadjusted map[string]string, counts map[string]int, totals map[string]string) {
	funds = make(map[string]string)
	unadjusted = make(map[string]string)
	counts = make(map[string]int)
	totals = make(map[string]string)
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.ownerFunds {
		funds[k] = v
	}
	for k, v := range b.ownerFundsUnadjusted {
		unadjusted[k] = v
	}
	for k, v := range b.offerCounts {
		counts[k] = v
	}
	for k, v := range b.ownerOffersTotal {
		totals[k] = v.String()
	}
	return funds, unadjusted, counts, totals
}

func TestSoleOfferDeletionEvictsOwnerFunds(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	fc.responses["account_info"] = accountInfoResponse(0)
	fc.responses["book_offers"] = json.RawMessage(fmt.Sprintf(`{
		"ledger_index": 99,
		"offers": [{
			"Account": %q,
			"BookDirectory": %q,
			"TakerGets": {"currency": "USD", "issuer": %q, "value": "40"},
			"TakerPays": "80000000",
			"index": "ONLY1",
			"owner_funds": "50"
		}]
	}`, ownerTwo, bookDir(keyQuality2M), issuerA))

	offers, err := b.RequestOffers(context.Background())
	require.NoError(t, err)
	require.Len(t, offers, 1)
	markSubscribed(b)

	ledgerClose(b, 100, 1)
	b.onTransaction(transport.TransactionEvent{
		Transaction: json.RawMessage(`{"TransactionType": "Payment", "hash": "TX8"}`),
		Meta: json.RawMessage(fmt.Sprintf(`{
			"AffectedNodes": [{
				"DeletedNode": {
					"LedgerEntryType": "Offer",
					"LedgerIndex": "ONLY1",
					"FinalFields": {
						"Account": %q,
						"BookDirectory": %q,
						"TakerGets": {"currency": "USD", "issuer": %q, "value": "40"},
						"TakerPays": "80000000"
					}
				}
			}]
		}`, ownerTwo, bookDir(keyQuality2M), issuerA)),
		Validated: true,
	})

	assert.Empty(t, b.GetOffersSync())

	// Deleting the owner's last offer evicts their funds entry; a lookup for
	// the untracked owner must fail instead of inventing a balance.
	b.mu.Lock()
	tracked := b.hasOwnerFundsLocked(ownerTwo)
	_, _, ferr := b.ownerFundsValueLocked(ownerTwo)
	b.mu.Unlock()
	assert.False(t, tracked)
	assert.ErrorIs(t, ferr, ErrInvariant)
}

func TestLegModelTriggersSingleRecompute(t *testing.T) {
	fc := newFakeClient()
	b := New(fc, Options{
		CurrencyGets: "EUR", IssuerGets: issuerA,
		CurrencyPays: "USD", IssuerPays: issuerB,
		Logger:       zerolog.Nop(),
	})
	b.em = newEmitter(nil, nil)
	b.mu.Lock()
	b.synced = true
	b.mu.Unlock()

	models := make(chan []*Offer, 4)
	b.On(EventModel, func(ev Event) { models <- ev.Offers })

	b.legModelReceived(legOne)
	select {
	case <-models:
		t.Fatal("model emitted with only one leg reported")
	case <-time.After(50 * time.Millisecond):
	}

	b.legModelReceived(legTwo)
	select {
	case offers := <-models:
		assert.Empty(t, offers)
	case <-time.After(2 * time.Second):
		t.Fatal("no model after both legs reported")
	}

	// A repeat leg model is not a recompute trigger; the ledger countdown
	// owns later updates.
	b.legModelReceived(legTwo)
	select {
	case <-models:
		t.Fatal("repeat leg model re-ran the calculator")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestModelEmittedAfterLastTransactionOfLedger(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	loadSnapshot(t, fc, b)
	markSubscribed(b)

	var models int
	b.On(EventModel, func(Event) { models++ })

	// Transaction not touching the book: no model at the ledger boundary.
	ledgerClose(b, 100, 1)
	b.onTransaction(transport.TransactionEvent{
		Transaction: json.RawMessage(`{"TransactionType": "Payment", "hash": "TX5"}`),
		Meta:        json.RawMessage(`{"AffectedNodes": []}`),
		Validated:   true,
	})
	assert.Equal(t, 0, models)

	// Events arriving without an armed countdown are ignored.
	b.onTransaction(transport.TransactionEvent{
		Transaction: json.RawMessage(`{"TransactionType": "Payment", "hash": "TX6"}`),
		Meta:        json.RawMessage(`{"AffectedNodes": []}`),
		Validated:   true,
	})
	assert.Equal(t, 0, models)
}

func TestPruneExpiredOffers(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	loadSnapshot(t, fc, b)
	markSubscribed(b)

	b.mu.Lock()
	b.offers[1].Expiration = 500
	b.mu.Unlock()

	var removed []*Offer
	var models [][]*Offer
	b.On(EventOfferRemoved, func(ev Event) { removed = append(removed, ev.Offer) })
	b.On(EventModel, func(ev Event) { models = append(models, ev.Offers) })

	// LedgerTime 1000 passes the expiration.
	ledgerClose(b, 100, 0)

	require.Len(t, removed, 1)
	assert.Equal(t, "OFFER2", removed[0].Index)
	require.Len(t, models, 1)
	require.Len(t, models[0], 1)
	assert.Equal(t, "OFFER1", models[0][0].Index)
}

func TestIsValid(t *testing.T) {
	log := zerolog.Nop()
	valid := New(newFakeClient(), Options{
		CurrencyGets: "USD", IssuerGets: issuerA, CurrencyPays: "XRP", Logger: log})
	assert.True(t, valid.IsValid())

	badIssuer := New(newFakeClient(), Options{
		CurrencyGets: "USD", IssuerGets: "nonsense", CurrencyPays: "XRP", Logger: log})
	assert.False(t, badIssuer.IsValid())

	selfCross := New(newFakeClient(), Options{
		CurrencyGets: "XRP", CurrencyPays: "XRP", Logger: log})
	assert.False(t, selfCross.IsValid())

	sameIssued := New(newFakeClient(), Options{
		CurrencyGets: "USD", IssuerGets: issuerA,
		CurrencyPays: "USD", IssuerPays: issuerA, Logger: log})
	assert.False(t, sameIssued.IsValid())
}

func TestAutobridgeableBookBuildsLegs(t *testing.T) {
	b := New(newFakeClient(), Options{
		CurrencyGets: "EUR", IssuerGets: issuerA,
		CurrencyPays: "USD", IssuerPays: issuerB,
		Logger:       zerolog.Nop(),
	})
	require.NotNil(t, b.legOne)
	require.NotNil(t, b.legTwo)
	assert.Equal(t, "XRP:USD/"+issuerB, b.legOne.Key())
	assert.Equal(t, "EUR/"+issuerA+":XRP", b.legTwo.Key())
	assert.Equal(t, "EUR/"+issuerA+":USD/"+issuerB, b.Key())

	direct := New(newFakeClient(), Options{
		CurrencyGets: "EUR", IssuerGets: issuerA, CurrencyPays: "XRP",
		Logger: zerolog.Nop(),
	})
	assert.Nil(t, direct.legOne)
}

func TestMergeDirectAndAutobridgedBooks(t *testing.T) {
	fc := newFakeClient()
	b := New(fc, Options{
		CurrencyGets: "EUR", IssuerGets: issuerA,
		CurrencyPays: "USD", IssuerPays: issuerB,
		Logger:       zerolog.Nop(),
	})
	b.em = newEmitter(nil, nil)

	direct := &Offer{Index: "DIRECT", QualityHex: "55071AFD498D0000"}  // quality 2
	synthA := &Offer{QualityHex: "55038D7EA4C68000", Autobridged: true} // quality 1
	synthB := &Offer{QualityHex: "550E35FA931A0000", Autobridged: true} // quality 4

	var evq []Event
	b.mu.Lock()
	b.offers = []*Offer{direct}
	b.offersAutobridged = []*Offer{synthA, synthB}
	b.mergeDirectAndAutobridgedBooksLocked(&evq)
	b.mu.Unlock()

	require.Len(t, evq, 1)
	merged := evq[0].Offers
	require.Len(t, merged, 3)
	assert.Same(t, synthA, merged[0])
	assert.Same(t, direct, merged[1])
	assert.Same(t, synthB, merged[2])
}

func TestSnapshotRequestShape(t *testing.T) {
	fc := newFakeClient()
	b := newTestBook(t, fc)
	loadSnapshot(t, fc, b)

	var bookReq map[string]any
	for _, req := range fc.requests {
		if req["command"] == "book_offers" {
			bookReq = req
		}
	}
	require.NotNil(t, bookReq)
	assert.Equal(t, baseTakerAddress, bookReq["taker"])
	assert.Equal(t, "validated", bookReq["ledger_index"])

	gets, ok := bookReq["taker_gets"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "USD", gets["currency"])
	assert.Equal(t, issuerA, gets["issuer"])

	pays, ok := bookReq["taker_pays"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "XRP", pays["currency"])
	assert.NotContains(t, pays, "issuer")
}

func TestCurrencyHelpers(t *testing.T) {
	assert.True(t, isValidCurrency("USD"))
	assert.True(t, isValidCurrency(strings.Repeat("AB12", 10)))
	assert.False(t, isValidCurrency("TOOLONG"))
	assert.False(t, isValidCurrency(""))

	assert.Equal(t, "XRP", prepareTrade("XRP", ""))
	assert.Equal(t, "USD/"+issuerA, prepareTrade("USD", issuerA))
}
