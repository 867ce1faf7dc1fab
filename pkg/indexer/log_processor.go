package indexer

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/config"
	"github.com/bz888/subql-cosmos/pkg/types"
)

// LogProcessorType is the registered name of the built-in log processor.
const LogProcessorType = "log"

func init() {
	Register(LogProcessorType, NewLogProcessor)
}

var _ Processor = (*LogProcessor)(nil)

// LogProcessor logs a summary of delivered blocks. The "every" option logs only heights
// divisible by it.
type LogProcessor struct {
	log       *logger.Logger
	every     uint64
	processed atomic.Uint64
}

// NewLogProcessor is the Factory of the log processor.
func NewLogProcessor(cfg config.ProcessorConfig, log *logger.Logger) (Processor, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	every := uint64(1)
	if v, ok := cfg.Options["every"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("log processor: invalid option every=%q", v)
		}
		every = n
	}

	return &LogProcessor{log: log, every: every}, nil
}

// Name implements Processor.
func (p *LogProcessor) Name() string {
	return LogProcessorType
}

// ProcessBlock implements Processor.
func (p *LogProcessor) ProcessBlock(_ context.Context, block *types.Block) error {
	p.processed.Add(1)
	if block.Height%p.every != 0 {
		return nil
	}

	p.log.Infow("block",
		"height", block.Height,
		"hash", types.HashString(block.Hash),
		"time", block.Time,
		"txs", len(block.Transactions),
		"messages", len(block.Messages()),
		"events", len(block.AllEvents()),
	)
	return nil
}

// Processed returns the number of blocks handled so far.
func (p *LogProcessor) Processed() uint64 {
	return p.processed.Load()
}
