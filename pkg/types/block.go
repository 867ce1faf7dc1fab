package types

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlockLevelTxIndex is the transaction index carried by begin/end/finalize block events.
const BlockLevelTxIndex = -1

// Block is a fully decoded block. It is immutable once constructed.
type Block struct {
	Height     uint64          `json:"height"`
	Hash       common.Hash     `json:"hash"`
	ParentHash common.Hash     `json:"parent_hash"`
	ChainID    string          `json:"chain_id"`
	Time       time.Time       `json:"time"`
	Header     json.RawMessage `json:"header"`

	Transactions []Transaction `json:"transactions"`

	// Events emitted outside of any transaction (begin, end and finalize block).
	Events []Event `json:"events"`
}

// Messages returns every message of the block in transaction order.
func (b *Block) Messages() []Message {
	var msgs []Message
	for i := range b.Transactions {
		msgs = append(msgs, b.Transactions[i].Messages...)
	}
	return msgs
}

// AllEvents returns block level events followed by transaction events in order.
func (b *Block) AllEvents() []Event {
	events := make([]Event, 0, len(b.Events))
	events = append(events, b.Events...)
	for i := range b.Transactions {
		events = append(events, b.Transactions[i].Events...)
	}
	return events
}

// Transaction is a decoded transaction together with its execution result.
type Transaction struct {
	Index     int         `json:"index"`
	Hash      common.Hash `json:"hash"`
	Code      uint32      `json:"code"`
	Log       string      `json:"log,omitempty"`
	GasWanted int64       `json:"gas_wanted"`
	GasUsed   int64       `json:"gas_used"`
	Raw       []byte      `json:"raw"`
	Messages  []Message   `json:"messages"`
	Events    []Event     `json:"events"`
}

// Success reports whether the transaction executed without error.
func (t *Transaction) Success() bool {
	return t.Code == 0
}

// Message is a single message of a transaction. Payload holds the type registered for
// TypeURL, or *UnknownMessage when no decoder is registered.
type Message struct {
	Index   int    `json:"index"`
	TxIndex int    `json:"tx_index"`
	TypeURL string `json:"type_url"`
	Payload any    `json:"payload"`
}

// UnknownMessage is the payload of a message whose type URL has no registered decoder.
type UnknownMessage struct {
	TypeURL string `json:"type_url"`
	Value   []byte `json:"value"`
}

// Event is an ABCI event.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
	TxIndex    int         `json:"tx_index"`

	// MsgIndex is the index of the originating message, -1 when the node does not report it.
	MsgIndex int `json:"msg_index"`
}

// Attribute is a single key/value pair of an event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attribute returns the first attribute value for key.
func (e *Event) Attribute(key string) (string, bool) {
	for _, attr := range e.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// HashString renders a hash the way Tendermint does: upper case hex without prefix.
func HashString(h common.Hash) string {
	return strings.ToUpper(hex.EncodeToString(h.Bytes()))
}
