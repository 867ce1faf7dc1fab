package decoder

import (
	"errors"
	"fmt"
)

var errEmptyTxBody = errors.New("tx has no body")

// AnyMsg is a google.protobuf.Any taken from a transaction body.
type AnyMsg struct {
	TypeURL string
	Value   []byte
}

// DecodedTx is the part of a cosmos transaction the indexer needs.
type DecodedTx struct {
	Messages []AnyMsg
	Memo     string
}

// DecodeTx decodes a TxRaw: field 1 holds the TxBody, whose field 1 holds the messages.
func DecodeTx(raw []byte) (*DecodedTx, error) {
	var body []byte
	err := walkFields(raw, func(f field) error {
		if f.num == 1 {
			body = f.bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode tx raw: %w", err)
	}
	if body == nil {
		return nil, errEmptyTxBody
	}

	tx := &DecodedTx{}
	err = walkFields(body, func(f field) error {
		switch f.num {
		case 1:
			msg, err := decodeAny(f.bytes)
			if err != nil {
				return err
			}
			tx.Messages = append(tx.Messages, msg)
		case 2:
			tx.Memo = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode tx body: %w", err)
	}

	return tx, nil
}

func decodeAny(b []byte) (AnyMsg, error) {
	var msg AnyMsg
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			msg.TypeURL = string(f.bytes)
		case 2:
			msg.Value = f.bytes
		}
		return nil
	})
	return msg, err
}
