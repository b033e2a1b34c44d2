// Package storage persists enrolled identities and their enrollment samples.
// An identity record holds a name and a binary block of reference vectors.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrIdentityNotFound is returned when a named identity has no record.
var ErrIdentityNotFound = errors.New("identity not found")

// ErrInvalidName is returned for names that cannot be used as record keys.
var ErrInvalidName = errors.New("invalid identity name")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// ErrCorruptBlock is returned when a vector block cannot be decoded.
var ErrCorruptBlock = errors.New("corrupt embedding block")

// Record is one stored identity.
type Record struct {
	Name      string
	Vectors   [][]float32
	UpdatedAt time.Time
}

// Store is a persistent identity store. Upsert replaces the record for a name
// wholesale; it never merges with previous vectors.
type Store interface {
	LoadAll(ctx context.Context) ([]Record, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, name string) error
	Close(ctx context.Context) error
}

// ValidateName checks that name is usable as a record key and a directory name.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case trimmed != name:
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidName)
	case len(name) > 64:
		return fmt.Errorf("%w: longer than 64 characters", ErrInvalidName)
	case strings.ContainsAny(name, `/\`+"\x00"), strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// vectorBlock is the serialized form of an identity's vectors.
type vectorBlock struct {
	Dim     int         `msgpack:"dim"`
	Vectors [][]float32 `msgpack:"vectors"`
}

// EncodeVectors serializes vectors into a block. All vectors must share one length.
func EncodeVectors(vectors [][]float32) ([]byte, error) {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has length %d, expected %d", i, len(v), dim)
		}
	}
	return msgpack.Marshal(vectorBlock{Dim: dim, Vectors: vectors})
}

// DecodeVectors parses a block produced by EncodeVectors.
func DecodeVectors(data []byte) ([][]float32, error) {
	var block vectorBlock
	if err := msgpack.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
	}
	for i, v := range block.Vectors {
		if len(v) != block.Dim {
			return nil, fmt.Errorf("%w: vector %d has length %d, header says %d", ErrCorruptBlock, i, len(v), block.Dim)
		}
	}
	return block.Vectors, nil
}
