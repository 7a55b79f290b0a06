package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// KV is one key-value write. A nil Value is a tombstone.
type KV struct {
	Namespace string
	Key       string
	Value     *string
}

// KVCodec encodes kv records. v0 is [namespace, key, value]; v1 adds an
// explicit has-value flag so deletions can be recorded:
// [namespace, key, has_value, value|nil].
var KVCodec = NewRegistry("kv", "v1", encodeKVv1).
	Register("v0", decodeKVv0).
	Register("v1", decodeKVv1)

func encodeKVv1(enc *msgpack.Encoder, v KV) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeString(v.Namespace); err != nil {
		return err
	}
	if err := enc.EncodeString(v.Key); err != nil {
		return err
	}
	if err := enc.EncodeBool(v.Value != nil); err != nil {
		return err
	}
	if v.Value == nil {
		return enc.EncodeNil()
	}
	return enc.EncodeString(*v.Value)
}

// EncodeKVv0 writes the legacy 3-field format. Only used to produce fixtures
// for old records; new records are always v1.
func EncodeKVv0(v KV) ([]byte, error) {
	if v.Value == nil {
		return nil, fmt.Errorf("kv v0 cannot encode a deletion")
	}
	reg := NewRegistry("kv", "v0", func(enc *msgpack.Encoder, v KV) error {
		if err := enc.EncodeArrayLen(3); err != nil {
			return err
		}
		if err := enc.EncodeString(v.Namespace); err != nil {
			return err
		}
		if err := enc.EncodeString(v.Key); err != nil {
			return err
		}
		return enc.EncodeString(*v.Value)
	})
	return reg.Encode(v)
}

func decodeKVv0(dec *msgpack.Decoder) (KV, error) {
	if _, err := ReadHeader(dec, 3); err != nil {
		return KV{}, err
	}
	var v KV
	var err error
	if v.Namespace, err = dec.DecodeString(); err != nil {
		return KV{}, err
	}
	if v.Key, err = dec.DecodeString(); err != nil {
		return KV{}, err
	}
	value, err := dec.DecodeString()
	if err != nil {
		return KV{}, err
	}
	v.Value = &value
	return v, nil
}

func decodeKVv1(dec *msgpack.Decoder) (KV, error) {
	if _, err := ReadHeader(dec, 4); err != nil {
		return KV{}, err
	}
	var v KV
	var err error
	if v.Namespace, err = dec.DecodeString(); err != nil {
		return KV{}, err
	}
	if v.Key, err = dec.DecodeString(); err != nil {
		return KV{}, err
	}
	hasValue, err := dec.DecodeBool()
	if err != nil {
		return KV{}, err
	}
	if !hasValue {
		if err := dec.DecodeNil(); err != nil {
			return KV{}, fmt.Errorf("%w: deleted kv carries a value", ErrMalformed)
		}
		return v, nil
	}
	value, err := dec.DecodeString()
	if err != nil {
		return KV{}, err
	}
	v.Value = &value
	return v, nil
}
