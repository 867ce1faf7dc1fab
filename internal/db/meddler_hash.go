package db

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

func init() {
	meddler.Register("hash", HashMeddler{})
}

// HashMeddler stores common.Hash values the way Tendermint renders them: upper case hex
// without a prefix. NULL reads back as the zero hash.
type HashMeddler struct{}

func (h HashMeddler) PreRead(fieldAddr any) (scanTarget any, err error) {
	return new(sql.NullString), nil
}

func (h HashMeddler) PostRead(fieldAddr, scanTarget any) error {
	ns, ok := scanTarget.(*sql.NullString)
	if !ok {
		return fmt.Errorf("expected *sql.NullString, got %T", scanTarget)
	}

	var hash common.Hash
	if ns.Valid && ns.String != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(ns.String), "0x"))
		if err != nil {
			return fmt.Errorf("invalid hash %q: %w", ns.String, err)
		}
		hash = common.BytesToHash(raw)
	}

	switch ptr := fieldAddr.(type) {
	case *common.Hash:
		*ptr = hash
	case **common.Hash:
		if !ns.Valid {
			*ptr = nil
			return nil
		}
		*ptr = &hash
	default:
		return fmt.Errorf("expected *common.Hash or **common.Hash, got %T", fieldAddr)
	}
	return nil
}

func (h HashMeddler) PreWrite(field any) (saveValue any, err error) {
	switch v := field.(type) {
	case common.Hash:
		return strings.ToUpper(hex.EncodeToString(v.Bytes())), nil
	case *common.Hash:
		if v == nil {
			return nil, nil
		}
		return strings.ToUpper(hex.EncodeToString(v.Bytes())), nil
	default:
		return nil, fmt.Errorf("expected common.Hash or *common.Hash, got %T", field)
	}
}
