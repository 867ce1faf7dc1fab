package types

import (
	"fmt"
	"strings"
)

// MsgExecuteContractType is the type URL of a CosmWasm contract execution.
const MsgExecuteContractType = "/cosmwasm.wasm.v1.MsgExecuteContract"

// FilterKind tags the variant held by a FilterCondition.
type FilterKind int

const (
	FilterKindBlock FilterKind = iota + 1
	FilterKindTransaction
	FilterKindMessage
	FilterKindEvent
)

var filterKindNames = map[FilterKind]string{
	FilterKindBlock:       "block",
	FilterKindTransaction: "transaction",
	FilterKindMessage:     "message",
	FilterKindEvent:       "event",
}

func (k FilterKind) String() string {
	if name, ok := filterKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k FilterKind) MarshalText() ([]byte, error) {
	if _, ok := filterKindNames[k]; !ok {
		return nil, fmt.Errorf("unknown filter kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *FilterKind) UnmarshalText(data []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(data)))
	for kind, n := range filterKindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown filter kind %q (expected block, transaction, message or event)", string(data))
}

// FilterCondition is a tagged variant: exactly the field matching Kind is set.
type FilterCondition struct {
	Kind        FilterKind     `yaml:"kind" json:"kind" toml:"kind"`
	Block       *BlockFilter   `yaml:"block,omitempty" json:"block,omitempty" toml:"block,omitempty"`
	Transaction *TxFilter      `yaml:"transaction,omitempty" json:"transaction,omitempty" toml:"transaction,omitempty"`
	Message     *MessageFilter `yaml:"message,omitempty" json:"message,omitempty" toml:"message,omitempty"`
	Event       *EventFilter   `yaml:"event,omitempty" json:"event,omitempty" toml:"event,omitempty"`
}

// BlockFilter selects blocks by height modulo or by a cron schedule over block time.
type BlockFilter struct {
	Modulo    uint64 `yaml:"modulo,omitempty" json:"modulo,omitempty" toml:"modulo,omitempty"`
	Timestamp string `yaml:"timestamp,omitempty" json:"timestamp,omitempty" toml:"timestamp,omitempty"`
}

// TxFilter selects transactions.
type TxFilter struct {
	IncludeFailedTx bool `yaml:"include_failed_tx,omitempty" json:"include_failed_tx,omitempty" toml:"include_failed_tx,omitempty"` //nolint:lll
}

// MessageFilter selects messages by type, and optionally by values of the decoded payload.
// Value keys are dotted paths into the payload ("msg.swap.input_token").
type MessageFilter struct {
	Type            string            `yaml:"type" json:"type" toml:"type"`
	Values          map[string]string `yaml:"values,omitempty" json:"values,omitempty" toml:"values,omitempty"`
	ContractCall    string            `yaml:"contract_call,omitempty" json:"contract_call,omitempty" toml:"contract_call,omitempty"`             //nolint:lll
	IncludeFailedTx bool              `yaml:"include_failed_tx,omitempty" json:"include_failed_tx,omitempty" toml:"include_failed_tx,omitempty"` //nolint:lll
}

// EventFilter selects events by type and attribute equality, optionally restricted to
// events emitted by messages matching MessageFilter.
type EventFilter struct {
	Type          string            `yaml:"type" json:"type" toml:"type"`
	Attributes    map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty" toml:"attributes,omitempty"`
	MessageFilter *MessageFilter    `yaml:"message_filter,omitempty" json:"message_filter,omitempty" toml:"message_filter,omitempty"` //nolint:lll
}

// NewBlockCondition builds a block FilterCondition.
func NewBlockCondition(f BlockFilter) FilterCondition {
	return FilterCondition{Kind: FilterKindBlock, Block: &f}
}

// NewTransactionCondition builds a transaction FilterCondition.
func NewTransactionCondition(f TxFilter) FilterCondition {
	return FilterCondition{Kind: FilterKindTransaction, Transaction: &f}
}

// NewMessageCondition builds a message FilterCondition.
func NewMessageCondition(f MessageFilter) FilterCondition {
	return FilterCondition{Kind: FilterKindMessage, Message: &f}
}

// NewEventCondition builds an event FilterCondition.
func NewEventCondition(f EventFilter) FilterCondition {
	return FilterCondition{Kind: FilterKindEvent, Event: &f}
}
