package book

import (
	"encoding/json"
	"fmt"

	"github.com/LeJamon/xrplbook/internal/value"
)

// Amount is a rippled amount: either a plain drops string for the native
// asset or a {currency, issuer, value} object for an issued one.
type Amount struct {
	Currency string
	Issuer   string
	Value    string
}

const nativeCurrency = "XRP"

// Native reports whether the amount is denominated in drops.
func (a Amount) Native() bool { return a.Currency == nativeCurrency }

// CurrencyKey renders the amount's side of a book key: "XRP" for native,
// "<currency>/<issuer>" otherwise.
func (a Amount) CurrencyKey() string {
	if a.Native() {
		return nativeCurrency
	}
	return a.Currency + "/" + a.Issuer
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var drops string
	if err := json.Unmarshal(data, &drops); err == nil {
		*a = Amount{Currency: nativeCurrency, Value: drops}
		return nil
	}
	var iou struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(data, &iou); err != nil {
		return fmt.Errorf("amount is neither a drops string nor an issued amount: %w", err)
	}
	*a = Amount{Currency: iou.Currency, Issuer: iou.Issuer, Value: iou.Value}
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Native() {
		return json.Marshal(a.Value)
	}
	return json.Marshal(struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer,omitempty"`
		Value    string `json:"value"`
	}{a.Currency, a.Issuer, a.Value})
}

// parseAmountValue converts an amount into the decimal variant matching its
// denomination: drops become an XRPValue, everything else an IOUValue.
func parseAmountValue(a Amount) (value.Value, error) {
	if a.Native() {
		return value.NewXRP(a.Value)
	}
	return value.NewIOU(a.Value)
}

// mustIOU parses a decimal string that this package itself produced.
// Failure means cached state is corrupt, which is not recoverable.
func mustIOU(s string) value.Value {
	return value.MustIOU(s)
}
