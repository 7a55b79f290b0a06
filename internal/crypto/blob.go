package crypto

import (
	"errors"
	"fmt"
)

// blobFormat is the first byte of a serialized blob.
const blobFormat = 1

// Blob is a sealed payload: format byte | key id length | key id | nonce | ciphertext.
type Blob struct {
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b Blob) MarshalBinary() ([]byte, error) {
	if len(b.KeyID) > 255 {
		return nil, errors.New("key id too long")
	}
	out := make([]byte, 0, 2+len(b.KeyID)+len(b.Nonce)+len(b.Ciphertext))
	out = append(out, blobFormat, byte(len(b.KeyID)))
	out = append(out, b.KeyID...)
	out = append(out, b.Nonce...)
	return append(out, b.Ciphertext...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *Blob) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return errors.New("blob too short")
	}
	if data[0] != blobFormat {
		return fmt.Errorf("unknown blob format %d", data[0])
	}
	idLen := int(data[1])
	rest := data[2:]
	if len(rest) < idLen+nonceLen {
		return errors.New("blob too short")
	}
	b.KeyID = string(rest[:idLen])
	b.Nonce = append([]byte(nil), rest[idLen:idLen+nonceLen]...)
	b.Ciphertext = append([]byte(nil), rest[idLen+nonceLen:]...)
	return nil
}

// RecordAD builds the associated data that binds a blob to the record
// carrying it. Fields are length-prefixed so boundaries cannot shift.
func RecordAD(id, host, tag, version string) []byte {
	var out []byte
	for _, f := range []string{id, host, tag, version} {
		out = append(out, byte(len(f)>>8), byte(len(f)))
		out = append(out, f...)
	}
	return out
}
