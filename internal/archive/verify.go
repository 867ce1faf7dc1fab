package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/bz888/subql-cosmos/internal/logger"
	"github.com/bz888/subql-cosmos/pkg/types"
)

// BlockFetcher fetches decoded blocks. Both Source and the connection pool implement it.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, height uint64) (*types.Block, error)
}

var _ BlockFetcher = (*Source)(nil)
var _ BlockFetcher = (*Verifier)(nil)

// Verifier fetches from the archive and cross checks every Nth height against a
// reference source.
type Verifier struct {
	archive   BlockFetcher
	reference BlockFetcher
	every     uint64
	log       *logger.Logger
}

// NewVerifier returns a fetcher that compares archive blocks whose height is a multiple
// of every with reference. every 0 disables checking.
func NewVerifier(archive, reference BlockFetcher, every uint64, log *logger.Logger) *Verifier {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Verifier{archive: archive, reference: reference, every: every, log: log}
}

// FetchBlock implements BlockFetcher.
func (v *Verifier) FetchBlock(ctx context.Context, height uint64) (*types.Block, error) {
	block, err := v.archive.FetchBlock(ctx, height)
	if err != nil {
		return nil, err
	}
	if v.every == 0 || height%v.every != 0 {
		return block, nil
	}

	if err := v.Verify(ctx, block); err != nil {
		return nil, err
	}
	return block, nil
}

// Verify fetches archived.Height from the reference and compares the two decodings.
func (v *Verifier) Verify(ctx context.Context, archived *types.Block) error {
	ref, err := v.reference.FetchBlock(ctx, archived.Height)
	if err != nil {
		return fmt.Errorf("verify archive block %d: %w", archived.Height, err)
	}

	ArchiveVerificationInc()
	if err := Reconcile(archived, ref); err != nil {
		ArchiveIntegrityFailureInc()
		v.log.Errorw("archive block diverges from rpc", "height", archived.Height, "error", err)
		return err
	}

	v.log.Debugw("archive block verified", "height", archived.Height, "hash", types.HashString(archived.Hash))
	return nil
}

// Reconcile returns ErrArchiveIntegrity describing the first difference between an
// archived block and the RPC decoding of the same height. Transaction logs are not
// compared; archives drop them.
func Reconcile(archived, canonical *types.Block) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: block %d: %s", ErrArchiveIntegrity, canonical.Height, fmt.Sprintf(format, args...))
	}

	switch {
	case archived.Height != canonical.Height:
		return fail("height %d", archived.Height)
	case archived.Hash != canonical.Hash:
		return fail("hash %s, rpc has %s", types.HashString(archived.Hash), types.HashString(canonical.Hash))
	case archived.ParentHash != canonical.ParentHash:
		return fail("parent hash differs")
	case archived.ChainID != canonical.ChainID:
		return fail("chain id %q, rpc has %q", archived.ChainID, canonical.ChainID)
	case !archived.Time.Equal(canonical.Time):
		return fail("time %s, rpc has %s", archived.Time, canonical.Time)
	case !bytes.Equal(archived.Header, canonical.Header):
		return fail("header differs")
	case len(archived.Transactions) != len(canonical.Transactions):
		return fail("%d transactions, rpc has %d", len(archived.Transactions), len(canonical.Transactions))
	}

	if !sameJSON(archived.Events, canonical.Events) {
		return fail("block events differ")
	}

	for i := range canonical.Transactions {
		a, c := archived.Transactions[i], canonical.Transactions[i]
		switch {
		case a.Hash != c.Hash:
			return fail("tx %d hash differs", i)
		case a.Code != c.Code:
			return fail("tx %d code %d, rpc has %d", i, a.Code, c.Code)
		case a.GasWanted != c.GasWanted || a.GasUsed != c.GasUsed:
			return fail("tx %d gas differs", i)
		case !sameJSON(a.Messages, c.Messages):
			return fail("tx %d messages differ", i)
		case !sameJSON(a.Events, c.Events):
			return fail("tx %d events differ", i)
		}
	}
	return nil
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
