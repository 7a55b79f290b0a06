package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Alias ops.
const (
	AliasSet    = "set"
	AliasDelete = "delete"
)

// Alias is a shell alias write or removal.
type Alias struct {
	Op    string
	Name  string
	Value string
}

// AliasCodec encodes alias records as [op, name, value].
var AliasCodec = NewRegistry("alias", "v0", encodeAliasV0).
	Register("v0", decodeAliasV0)

func encodeAliasV0(enc *msgpack.Encoder, a Alias) error {
	if a.Op != AliasSet && a.Op != AliasDelete {
		return fmt.Errorf("unknown alias op %q", a.Op)
	}
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString(a.Op); err != nil {
		return err
	}
	if err := enc.EncodeString(a.Name); err != nil {
		return err
	}
	return enc.EncodeString(a.Value)
}

func decodeAliasV0(dec *msgpack.Decoder) (Alias, error) {
	if _, err := ReadHeader(dec, 3); err != nil {
		return Alias{}, err
	}
	var a Alias
	var err error
	if a.Op, err = dec.DecodeString(); err != nil {
		return Alias{}, err
	}
	if a.Op != AliasSet && a.Op != AliasDelete {
		return Alias{}, fmt.Errorf("%w: unknown alias op %q", ErrMalformed, a.Op)
	}
	if a.Name, err = dec.DecodeString(); err != nil {
		return Alias{}, err
	}
	if a.Value, err = dec.DecodeString(); err != nil {
		return Alias{}, err
	}
	return a, nil
}
