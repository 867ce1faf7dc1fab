package decoder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bz888/subql-cosmos/pkg/types"
)

// ErrUnknownMessageType is returned with an *types.UnknownMessage payload when no decoder
// is registered for a type URL.
var ErrUnknownMessageType = errors.New("unknown message type")

// DecodeFunc turns the protobuf value of an Any into a typed payload.
type DecodeFunc func(value []byte) (any, error)

// Registry maps type URLs to decoders. It is built once and then shared read only by every
// worker, so Register must not be called after decoding has started.
type Registry struct {
	decoders map[string]DecodeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

// DefaultRegistry returns a registry with the bank, staking and wasm messages registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(MsgSendType, decodeMsgSend)
	r.Register(MsgDelegateType, decodeMsgDelegate)
	r.Register(types.MsgExecuteContractType, decodeMsgExecuteContract)
	r.Register(MsgInstantiateContractType, decodeMsgInstantiateContract)
	return r
}

// Register adds or replaces the decoder for typeURL.
func (r *Registry) Register(typeURL string, fn DecodeFunc) {
	r.decoders[typeURL] = fn
}

// TypeURLs lists the registered type URLs in sorted order.
func (r *Registry) TypeURLs() []string {
	urls := make([]string, 0, len(r.decoders))
	for url := range r.decoders {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Decode decodes value as typeURL. Unknown type URLs yield an *types.UnknownMessage
// together with ErrUnknownMessageType.
func (r *Registry) Decode(typeURL string, value []byte) (any, error) {
	fn, ok := r.decoders[typeURL]
	if !ok {
		return &types.UnknownMessage{TypeURL: typeURL, Value: value}, ErrUnknownMessageType
	}

	payload, err := fn(value)
	if err != nil {
		return &types.UnknownMessage{TypeURL: typeURL, Value: value}, fmt.Errorf("decode %s: %w", typeURL, err)
	}
	return payload, nil
}
