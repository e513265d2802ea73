package book

import (
	"encoding/json"

	"github.com/LeJamon/xrplbook/internal/value"
)

// zeroNodeID fills OwnerNode/BookNode when the server omits them.
const zeroNodeID = "0000000000000000"

// qualityHexLen is the width of the quality suffix of a book directory.
const qualityHexLen = 16

// Offer is one resting order, direct or autobridged. The upper-case fields
// mirror the ledger entry; the lower-case JSON tags are the derived fields
// rippled and this package attach (funded amounts, quality, owner funds).
type Offer struct {
	Account         string `json:"Account,omitempty"`
	Sequence        uint32 `json:"Sequence,omitempty"`
	Flags           uint32 `json:"Flags"`
	BookDirectory   string `json:"BookDirectory,omitempty"`
	BookNode        string `json:"BookNode,omitempty"`
	OwnerNode       string `json:"OwnerNode,omitempty"`
	TakerGets       Amount `json:"TakerGets"`
	TakerPays       Amount `json:"TakerPays"`
	Expiration      uint32 `json:"Expiration,omitempty"`
	LedgerEntryType string `json:"LedgerEntryType,omitempty"`

	Index           string `json:"index,omitempty"`
	OwnerFunds      string `json:"owner_funds,omitempty"`
	TakerGetsFunded string `json:"taker_gets_funded,omitempty"`
	TakerPaysFunded string `json:"taker_pays_funded,omitempty"`
	IsFullyFunded   bool   `json:"is_fully_funded,omitempty"`
	Quality         string `json:"quality,omitempty"`
	QualityHex      string `json:"qualityHex,omitempty"`
	Autobridged     bool   `json:"autobridged,omitempty"`

	// initTakerGetsFunded holds the funded amount while the autobridge
	// calculator has the owner-funds clamp lifted for a same-owner pairing.
	initTakerGetsFunded value.Value
}

// Clone returns a shallow copy; amounts and derived strings are values, so
// the copy is independent for every field the book or calculator mutates.
func (o *Offer) Clone() *Offer {
	c := *o
	return &c
}

func cloneOffers(offers []*Offer) []*Offer {
	out := make([]*Offer, len(offers))
	for i, o := range offers {
		out[i] = o.Clone()
	}
	return out
}

// decodeOffer builds a normalized Offer from raw ledger-entry JSON, the
// shared rewrite for book_offers entries and transaction metadata fields:
// defaults filled, quality key derived from the book directory, and the
// quality ratio computed when the server did not provide one.
func decodeOffer(raw json.RawMessage) (*Offer, error) {
	var o Offer
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	if o.OwnerNode == "" {
		o.OwnerNode = zeroNodeID
	}
	if o.BookNode == "" {
		o.BookNode = zeroNodeID
	}
	if len(o.BookDirectory) >= qualityHexLen {
		o.QualityHex = o.BookDirectory[len(o.BookDirectory)-qualityHexLen:]
	}
	if o.Quality == "" && o.TakerGets.Value != "" && o.TakerPays.Value != "" {
		// Quality is always computed in issued-amount precision, even for
		// a native side: the ratio of the two raw magnitudes.
		gets := value.MustIOU(o.TakerGets.Value)
		pays := value.MustIOU(o.TakerPays.Value)
		o.Quality = pays.Divide(gets).String()
	}
	return &o, nil
}

// takerGetsValue reads the nominal TakerGets magnitude in issued precision,
// the denomination the autobridge calculator works in throughout.
func takerGetsValue(o *Offer) value.Value {
	return mustIOU(o.TakerGets.Value)
}
