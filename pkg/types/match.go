package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Matches reports whether a block is selected by the filter. prevTime is the time of the
// previous block; timestamp filters match when a scheduled tick falls in (prevTime, blockTime].
// A zero prevTime never matches a timestamp filter.
func (f *BlockFilter) Matches(height uint64, blockTime, prevTime time.Time) bool {
	if f == nil {
		return true
	}
	if f.Modulo > 0 && height%f.Modulo != 0 {
		return false
	}
	if f.Timestamp != "" {
		if prevTime.IsZero() {
			return false
		}
		schedule, err := cronParser.Parse(f.Timestamp)
		if err != nil {
			return false
		}
		if schedule.Next(prevTime).After(blockTime) {
			return false
		}
	}
	return true
}

// Matches reports whether the transaction is selected.
func (f *TxFilter) Matches(tx *Transaction) bool {
	if f == nil {
		return tx.Success()
	}
	return tx.Success() || f.IncludeFailedTx
}

// Matches reports whether the message, executed within tx, is selected.
func (f *MessageFilter) Matches(msg *Message, tx *Transaction) bool {
	if f == nil {
		return true
	}
	if msg == nil || msg.TypeURL != f.Type {
		return false
	}
	if tx != nil && !tx.Success() && !f.IncludeFailedTx {
		return false
	}
	if len(f.Values) == 0 && f.ContractCall == "" {
		return true
	}

	doc, ok := payloadDocument(msg.Payload)
	if !ok {
		return false
	}

	for path, want := range f.Values {
		got, found := lookupPath(doc, path)
		if !found || formatValue(got) != want {
			return false
		}
	}

	if f.ContractCall != "" {
		call, ok := doc["msg"].(map[string]any)
		if !ok {
			return false
		}
		if _, ok := call[f.ContractCall]; !ok {
			return false
		}
	}

	return true
}

// Matches reports whether the event is selected. msg is the message that emitted the
// event and may be nil for block level events.
func (f *EventFilter) Matches(ev *Event, msg *Message, tx *Transaction) bool {
	if f == nil {
		return true
	}
	if ev == nil || ev.Type != f.Type {
		return false
	}
	for key, want := range f.Attributes {
		got, ok := ev.Attribute(key)
		if !ok || got != want {
			return false
		}
	}
	if f.MessageFilter != nil {
		return f.MessageFilter.Matches(msg, tx)
	}
	return true
}

func payloadDocument(payload any) (map[string]any, bool) {
	if payload == nil {
		return nil, false
	}

	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, false
		}
		raw = b
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func lookupPath(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
