package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressedStore compresses document snapshots with zstd before handing
// them to the wrapped store. Snapshots written without compression are
// still readable.
type CompressedStore struct {
	Store
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCompressedStore wraps inner.
func NewCompressedStore(inner Store) (*CompressedStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &CompressedStore{Store: inner, enc: enc, dec: dec}, nil
}

func (c *CompressedStore) Load(ctx context.Context, roomID string) (Snapshot, error) {
	s, err := c.Store.Load(ctx, roomID)
	if err != nil {
		return s, err
	}
	if bytes.HasPrefix(s.Document, zstdMagic) {
		doc, err := c.dec.DecodeAll(s.Document, nil)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decompressing snapshot for room %s: %w", roomID, err)
		}
		s.Document = doc
	}
	return s, nil
}

func (c *CompressedStore) SaveDocument(ctx context.Context, roomID string, doc []byte, at time.Time) error {
	return c.Store.SaveDocument(ctx, roomID, c.enc.EncodeAll(doc, nil), at)
}

func (c *CompressedStore) Close() error {
	c.enc.Close()
	c.dec.Close()
	return c.Store.Close()
}
