package decoder

import (
	"github.com/bz888/subql-cosmos/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeTx builds a TxRaw carrying msgs and memo, with empty auth info and no signatures.
func EncodeTx(memo string, msgs ...AnyMsg) []byte {
	var body []byte
	for _, msg := range msgs {
		var anyMsg []byte
		anyMsg = appendBytesField(anyMsg, 1, []byte(msg.TypeURL))
		anyMsg = appendBytesField(anyMsg, 2, msg.Value)
		body = appendBytesField(body, 1, anyMsg)
	}
	if memo != "" {
		body = appendBytesField(body, 2, []byte(memo))
	}

	var raw []byte
	raw = appendBytesField(raw, 1, body)
	raw = appendBytesField(raw, 2, nil)
	return raw
}

// EncodeMsgSend encodes a MsgSend as an Any.
func EncodeMsgSend(msg *MsgSend) AnyMsg {
	var b []byte
	b = appendBytesField(b, 1, []byte(msg.FromAddress))
	b = appendBytesField(b, 2, []byte(msg.ToAddress))
	for _, c := range msg.Amount {
		b = appendBytesField(b, 3, encodeCoin(c))
	}
	return AnyMsg{TypeURL: MsgSendType, Value: b}
}

// EncodeMsgExecuteContract encodes a MsgExecuteContract as an Any.
func EncodeMsgExecuteContract(msg *MsgExecuteContract) AnyMsg {
	var b []byte
	b = appendBytesField(b, 1, []byte(msg.Sender))
	b = appendBytesField(b, 2, []byte(msg.Contract))
	b = appendBytesField(b, 3, msg.Msg)
	for _, c := range msg.Funds {
		b = appendBytesField(b, 5, encodeCoin(c))
	}
	return AnyMsg{TypeURL: types.MsgExecuteContractType, Value: b}
}

func encodeCoin(c Coin) []byte {
	var b []byte
	b = appendBytesField(b, 1, []byte(c.Denom))
	b = appendBytesField(b, 2, []byte(c.Amount))
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
