// Package codec encodes typed record payloads to bytes and back.
//
// Payloads are MessagePack arrays: the array header carries the field
// count, which lets a decoder reject truncated or padded data without
// trusting the outer record. Each record kind owns a Registry that maps a
// version string to a decoder; writers always emit the newest version and
// old decoders stay registered so old records remain readable.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Sentinel errors.
var (
	ErrUnknownVersion = errors.New("unknown payload version")
	ErrMalformed      = errors.New("malformed payload")
)

// UnknownVersionError is returned when no decoder is registered for a version.
// Readers should skip or flag such records; they are still stored and synced.
type UnknownVersionError struct {
	Kind    string
	Version string
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("%s: %v %q", e.Kind, ErrUnknownVersion, e.Version)
}

// Is makes errors.Is(err, ErrUnknownVersion) hold.
func (e *UnknownVersionError) Is(target error) bool { return target == ErrUnknownVersion }

// EncodeFunc writes one value, header included.
type EncodeFunc[T any] func(enc *msgpack.Encoder, v T) error

// DecodeFunc reads one value, header included.
type DecodeFunc[T any] func(dec *msgpack.Decoder) (T, error)

// Registry is the version table for one record kind.
type Registry[T any] struct {
	kind     string
	latest   string
	encode   EncodeFunc[T]
	decoders map[string]DecodeFunc[T]
}

// NewRegistry creates a registry whose writer emits latest using encode.
func NewRegistry[T any](kind, latest string, encode EncodeFunc[T]) *Registry[T] {
	return &Registry[T]{
		kind:     kind,
		latest:   latest,
		encode:   encode,
		decoders: make(map[string]DecodeFunc[T]),
	}
}

// Register adds the decoder for version. It panics on re-registration.
func (r *Registry[T]) Register(version string, decode DecodeFunc[T]) *Registry[T] {
	if _, ok := r.decoders[version]; ok {
		panic(fmt.Sprintf("codec: %s version %s registered twice", r.kind, version))
	}
	r.decoders[version] = decode
	return r
}

// Kind returns the record kind name.
func (r *Registry[T]) Kind() string { return r.kind }

// Latest returns the version new records are written with.
func (r *Registry[T]) Latest() string { return r.latest }

// Versions lists the decodable versions in sorted order.
func (r *Registry[T]) Versions() []string {
	out := make([]string, 0, len(r.decoders))
	for v := range r.decoders {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Encode serializes v in the latest version.
func (r *Registry[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := r.encode(enc, v); err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", r.kind, r.latest, err)
	}
	return buf.Bytes(), nil
}

// Decode parses data written in version. Dispatch is on the version string
// only; trailing bytes after the expected fields are rejected.
func (r *Registry[T]) Decode(data []byte, version string) (T, error) {
	var zero T
	decode, ok := r.decoders[version]
	if !ok {
		return zero, &UnknownVersionError{Kind: r.kind, Version: version}
	}

	rd := bytes.NewReader(data)
	dec := msgpack.NewDecoder(rd)
	v, err := decode(dec)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			return zero, fmt.Errorf("decode %s %s: %w", r.kind, version, err)
		}
		return zero, fmt.Errorf("decode %s %s: %w: %v", r.kind, version, ErrMalformed, err)
	}
	if rd.Len() > 0 {
		return zero, fmt.Errorf("decode %s %s: %w: %d trailing bytes", r.kind, version, ErrMalformed, rd.Len())
	}
	return v, nil
}

// ReadHeader reads the array header and checks it against want.
func ReadHeader(dec *msgpack.Decoder, want ...int) (int, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, fmt.Errorf("%w: read header: %v", ErrMalformed, err)
	}
	for _, w := range want {
		if n == w {
			return n, nil
		}
	}
	return n, fmt.Errorf("%w: got %d fields, want %v", ErrMalformed, n, want)
}
