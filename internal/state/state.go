// Package state persists learned state as a single versioned, zstd
// compressed blob per name.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Version of the envelope layout. Blobs written with a newer version are
// rejected so an old binary never half-reads them.
const Version = 1

var (
	ErrNotFound = errors.New("state not found")
	ErrVersion  = errors.New("unsupported state version")
)

// Store is the raw blob backend.
type Store interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, blob []byte) error
}

type envelope struct {
	Version   int             `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
)

func encoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		enc, encErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
	})
	return enc, encErr
}

func decoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		dec, decErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(256<<20))
	})
	return dec, decErr
}

// Encode wraps v in a versioned envelope and compresses it.
func Encode(v any, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	raw, err := json.Marshal(envelope{Version: Version, Timestamp: at.UTC(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	e, err := encoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return e.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode reverses Encode and returns the time the blob was written.
func Decode(blob []byte, v any) (time.Time, error) {
	d, err := decoder()
	if err != nil {
		return time.Time{}, fmt.Errorf("zstd decoder: %w", err)
	}
	raw, err := d.DecodeAll(blob, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("decompress state: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version < 1 || env.Version > Version {
		return time.Time{}, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return env.Timestamp, nil
}

// SaveValue encodes v and writes it under name.
func SaveValue(ctx context.Context, s Store, name string, v any) error {
	blob, err := Encode(v, time.Now())
	if err != nil {
		return err
	}
	if err := s.Save(ctx, name, blob); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// LoadValue reads name into v. A missing blob returns ErrNotFound.
func LoadValue(ctx context.Context, s Store, name string, v any) (time.Time, error) {
	blob, err := s.Load(ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	at, err := Decode(blob, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("load %s: %w", name, err)
	}
	return at, nil
}
