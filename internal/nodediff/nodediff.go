// Package nodediff normalizes raw transaction metadata into a flat list of
// affected-entry records. It is a pure transformation: the same metadata can
// be normalized any number of times, optionally narrowed by a filter, and
// nothing is mutated.
package nodediff

import (
	"encoding/json"
)

// Diff types, in the order they are probed on a raw affected node.
const (
	DiffCreated  = "CreatedNode"
	DiffModified = "ModifiedNode"
	DiffDeleted  = "DeletedNode"
)

var diffTypes = []string{DiffCreated, DiffModified, DiffDeleted}

// Metadata is the transaction metadata envelope as delivered by the server.
type Metadata struct {
	AffectedNodes     []json.RawMessage `json:"AffectedNodes"`
	TransactionIndex  int               `json:"TransactionIndex,omitempty"`
	TransactionResult string            `json:"TransactionResult,omitempty"`
}

// Node is one normalized affected-entry diff. Fields merges PreviousFields,
// NewFields and FinalFields in that order, so a later map wins for keys
// present in more than one. BookKey is derived for Offer entries only.
type Node struct {
	DiffType    string
	EntryType   string
	LedgerIndex string
	Fields      map[string]json.RawMessage
	FieldsPrev  map[string]json.RawMessage
	FieldsNew   map[string]json.RawMessage
	FieldsFinal map[string]json.RawMessage
	BookKey     string
}

// Filter narrows Normalize output; zero fields match everything.
type Filter struct {
	DiffType  string
	EntryType string
	BookKey   string
}

type rawEntry struct {
	LedgerEntryType string                     `json:"LedgerEntryType"`
	LedgerIndex     string                     `json:"LedgerIndex"`
	PreviousFields  map[string]json.RawMessage `json:"PreviousFields"`
	NewFields       map[string]json.RawMessage `json:"NewFields"`
	FinalFields     map[string]json.RawMessage `json:"FinalFields"`
}

// Normalize flattens metadata into Node records, keeping only those matching
// the filter when one is given. Unrecognized or malformed affected nodes are
// skipped rather than failing the whole batch.
func Normalize(meta *Metadata, filter *Filter) []Node {
	if meta == nil || len(meta.AffectedNodes) == 0 {
		return nil
	}

	nodes := make([]Node, 0, len(meta.AffectedNodes))
	for _, raw := range meta.AffectedNodes {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			continue
		}

		for _, diffType := range diffTypes {
			inner, ok := wrapper[diffType]
			if !ok {
				continue
			}
			var entry rawEntry
			if err := json.Unmarshal(inner, &entry); err != nil {
				break
			}

			node := Node{
				DiffType:    diffType,
				EntryType:   entry.LedgerEntryType,
				LedgerIndex: entry.LedgerIndex,
				Fields:      mergeFields(entry.PreviousFields, entry.NewFields, entry.FinalFields),
				FieldsPrev:  orEmpty(entry.PreviousFields),
				FieldsNew:   orEmpty(entry.NewFields),
				FieldsFinal: orEmpty(entry.FinalFields),
			}
			if node.EntryType == "Offer" {
				node.BookKey = offerBookKey(node.Fields)
			}
			if filter.matches(&node) {
				nodes = append(nodes, node)
			}
			break
		}
	}
	return nodes
}

func (f *Filter) matches(n *Node) bool {
	if f == nil {
		return true
	}
	if f.DiffType != "" && f.DiffType != n.DiffType {
		return false
	}
	if f.EntryType != "" && f.EntryType != n.EntryType {
		return false
	}
	if f.BookKey != "" && f.BookKey != n.BookKey {
		return false
	}
	return true
}

// DecodeFields unmarshals the merged field set into v.
func (n *Node) DecodeFields(v any) error {
	return decodeFieldMap(n.Fields, v)
}

// DecodePrev unmarshals PreviousFields into v.
func (n *Node) DecodePrev(v any) error {
	return decodeFieldMap(n.FieldsPrev, v)
}

// DecodeFinal unmarshals FinalFields into v.
func (n *Node) DecodeFinal(v any) error {
	return decodeFieldMap(n.FieldsFinal, v)
}

func decodeFieldMap(fields map[string]json.RawMessage, v any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func mergeFields(maps ...map[string]json.RawMessage) map[string]json.RawMessage {
	merged := make(map[string]json.RawMessage)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

func orEmpty(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return map[string]json.RawMessage{}
	}
	return m
}

// offerBookKey renders "<getsCurrency>[/<getsIssuer>]:<paysCurrency>[/...]".
// The native side carries no issuer suffix.
func offerBookKey(fields map[string]json.RawMessage) string {
	return amountCurrency(fields["TakerGets"]) + ":" + amountCurrency(fields["TakerPays"])
}

func amountCurrency(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	// Native amounts are plain drops strings.
	var drops string
	if err := json.Unmarshal(raw, &drops); err == nil {
		return "XRP"
	}
	var iou struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
	}
	if err := json.Unmarshal(raw, &iou); err != nil {
		return ""
	}
	return iou.Currency + "/" + iou.Issuer
}
