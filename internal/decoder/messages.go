package decoder

import (
	"encoding/json"
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	MsgSendType                = "/cosmos.bank.v1beta1.MsgSend"
	MsgDelegateType            = "/cosmos.staking.v1beta1.MsgDelegate"
	MsgInstantiateContractType = "/cosmwasm.wasm.v1.MsgInstantiateContract"
)

var errInvalidContractMsg = errors.New("contract msg is not valid JSON")

// Coin is an amount of one denomination.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// MsgSend is /cosmos.bank.v1beta1.MsgSend.
type MsgSend struct {
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Amount      []Coin `json:"amount"`
}

// MsgDelegate is /cosmos.staking.v1beta1.MsgDelegate.
type MsgDelegate struct {
	DelegatorAddress string `json:"delegator_address"`
	ValidatorAddress string `json:"validator_address"`
	Amount           Coin   `json:"amount"`
}

// MsgExecuteContract is /cosmwasm.wasm.v1.MsgExecuteContract with the contract message
// kept as JSON so filters can match nested values.
type MsgExecuteContract struct {
	Sender   string          `json:"sender"`
	Contract string          `json:"contract"`
	Msg      json.RawMessage `json:"msg"`
	Funds    []Coin          `json:"funds"`
}

// MsgInstantiateContract is /cosmwasm.wasm.v1.MsgInstantiateContract.
type MsgInstantiateContract struct {
	Sender string          `json:"sender"`
	Admin  string          `json:"admin"`
	CodeID uint64          `json:"code_id"`
	Label  string          `json:"label"`
	Msg    json.RawMessage `json:"msg"`
	Funds  []Coin          `json:"funds"`
}

func decodeCoin(b []byte) (Coin, error) {
	var c Coin
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			c.Denom = string(f.bytes)
		case 2:
			c.Amount = string(f.bytes)
		}
		return nil
	})
	return c, err
}

func decodeMsgSend(b []byte) (any, error) {
	msg := &MsgSend{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			msg.FromAddress = string(f.bytes)
		case 2:
			msg.ToAddress = string(f.bytes)
		case 3:
			coin, err := decodeCoin(f.bytes)
			if err != nil {
				return err
			}
			msg.Amount = append(msg.Amount, coin)
		}
		return nil
	})
	return msg, err
}

func decodeMsgDelegate(b []byte) (any, error) {
	msg := &MsgDelegate{}
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			msg.DelegatorAddress = string(f.bytes)
		case 2:
			msg.ValidatorAddress = string(f.bytes)
		case 3:
			msg.Amount, err = decodeCoin(f.bytes)
		}
		return err
	})
	return msg, err
}

func decodeMsgExecuteContract(b []byte) (any, error) {
	msg := &MsgExecuteContract{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			msg.Sender = string(f.bytes)
		case 2:
			msg.Contract = string(f.bytes)
		case 3:
			if !json.Valid(f.bytes) {
				return errInvalidContractMsg
			}
			msg.Msg = append(json.RawMessage(nil), f.bytes...)
		case 5:
			coin, err := decodeCoin(f.bytes)
			if err != nil {
				return err
			}
			msg.Funds = append(msg.Funds, coin)
		}
		return nil
	})
	return msg, err
}

func decodeMsgInstantiateContract(b []byte) (any, error) {
	msg := &MsgInstantiateContract{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			msg.Sender = string(f.bytes)
		case 2:
			msg.Admin = string(f.bytes)
		case 3:
			msg.CodeID = f.varint
		case 4:
			msg.Label = string(f.bytes)
		case 5:
			if !json.Valid(f.bytes) {
				return errInvalidContractMsg
			}
			msg.Msg = append(json.RawMessage(nil), f.bytes...)
		case 6:
			coin, err := decodeCoin(f.bytes)
			if err != nil {
				return err
			}
			msg.Funds = append(msg.Funds, coin)
		}
		return nil
	})
	return msg, err
}

// field is one decoded protobuf field. bytes is set for length delimited fields and
// varint for varint fields.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	bytes  []byte
	varint uint64
}

func walkFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
