package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bz888/subql-cosmos/pkg/types"
)

var _ Processor = (*Coordinator)(nil)

type route struct {
	processor Processor
	filters   []types.FilterCondition
}

// Coordinator routes delivered blocks to the processors whose filters select something in
// the block. A processor registered without filters receives every block.
type Coordinator struct {
	mu sync.RWMutex

	routes []route

	// prevTime is the time of the last routed block, used by timestamp filters
	prevTime time.Time
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// RegisterProcessor registers p for blocks selected by any of filters.
func (c *Coordinator) RegisterProcessor(p Processor, filters []types.FilterCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.routes = append(c.routes, route{processor: p, filters: filters})
}

// ExtendFilters adds filters to every route of p. A route without filters already receives
// every block and is left unchanged.
func (c *Coordinator) ExtendFilters(p Processor, filters []types.FilterCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	routes := make([]route, len(c.routes))
	copy(routes, c.routes)
	for i := range routes {
		if routes[i].processor != p || len(routes[i].filters) == 0 {
			continue
		}
		merged := make([]types.FilterCondition, 0, len(routes[i].filters)+len(filters))
		merged = append(merged, routes[i].filters...)
		routes[i].filters = append(merged, filters...)
	}
	c.routes = routes
}

// Processors returns the registered processors in registration order.
func (c *Coordinator) Processors() []Processor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Processor, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r.processor)
	}
	return out
}

// Name implements Processor.
func (c *Coordinator) Name() string {
	return "coordinator"
}

// ProcessBlock hands block to every processor selecting it, in registration order.
func (c *Coordinator) ProcessBlock(ctx context.Context, block *types.Block) error {
	c.mu.Lock()
	prev := c.prevTime
	c.prevTime = block.Time
	routes := c.routes
	c.mu.Unlock()

	for _, r := range routes {
		if !Selects(r.filters, block, prev) {
			continue
		}
		if err := r.processor.ProcessBlock(ctx, block); err != nil {
			return fmt.Errorf("processor %s failed at height %d: %w", r.processor.Name(), block.Height, err)
		}
	}
	return nil
}

// Rewind notifies every processor implementing Rewinder.
func (c *Coordinator) Rewind(ctx context.Context, height uint64) error {
	c.mu.Lock()
	c.prevTime = time.Time{}
	routes := c.routes
	c.mu.Unlock()

	for _, r := range routes {
		rw, ok := r.processor.(Rewinder)
		if !ok {
			continue
		}
		if err := rw.Rewind(ctx, height); err != nil {
			return fmt.Errorf("processor %s failed to rewind to height %d: %w", r.processor.Name(), height, err)
		}
	}
	return nil
}

// Selects reports whether any filter selects something in block. No filters select every
// block. prevTime is the time of the previous block, zero when unknown.
func Selects(filters []types.FilterCondition, block *types.Block, prevTime time.Time) bool {
	if len(filters) == 0 {
		return true
	}
	for i := range filters {
		if selects(&filters[i], block, prevTime) {
			return true
		}
	}
	return false
}

func selects(f *types.FilterCondition, block *types.Block, prevTime time.Time) bool {
	switch f.Kind {
	case types.FilterKindBlock:
		return f.Block.Matches(block.Height, block.Time, prevTime)

	case types.FilterKindTransaction:
		for i := range block.Transactions {
			if f.Transaction.Matches(&block.Transactions[i]) {
				return true
			}
		}

	case types.FilterKindMessage:
		for i := range block.Transactions {
			tx := &block.Transactions[i]
			for j := range tx.Messages {
				if f.Message.Matches(&tx.Messages[j], tx) {
					return true
				}
			}
		}

	case types.FilterKindEvent:
		for i := range block.Events {
			if f.Event.Matches(&block.Events[i], nil, nil) {
				return true
			}
		}
		for i := range block.Transactions {
			tx := &block.Transactions[i]
			for j := range tx.Events {
				ev := &tx.Events[j]
				if f.Event.Matches(ev, messageAt(tx, ev.MsgIndex), tx) {
					return true
				}
			}
		}
	}
	return false
}

func messageAt(tx *types.Transaction, index int) *types.Message {
	if index < 0 || index >= len(tx.Messages) {
		return nil
	}
	return &tx.Messages[index]
}
