package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testStoreContract exercises the behaviour every Store must share.
func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	room := uuid.NewString()
	defer s.Delete(ctx, room)

	snap, err := s.Load(ctx, room)
	if err != nil {
		t.Fatalf("Load(empty) error: %v", err)
	}
	if !snap.Empty() {
		t.Fatalf("Load(empty) = %+v, want empty", snap)
	}

	at := time.UnixMilli(time.Now().UnixMilli())
	doc := bytes.Repeat([]byte("board-state "), 64)
	if err := s.SaveDocument(ctx, room, doc, at); err != nil {
		t.Fatalf("SaveDocument() error: %v", err)
	}
	if err := s.SaveKeyHash(ctx, room, RolePlayer, "aaa"); err != nil {
		t.Fatalf("SaveKeyHash(player) error: %v", err)
	}
	if err := s.SaveKeyHash(ctx, room, RoleSpectator, "bbb"); err != nil {
		t.Fatalf("SaveKeyHash(spectator) error: %v", err)
	}
	if err := s.SaveKeyHash(ctx, room, "admin", "ccc"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("SaveKeyHash(admin) error = %v, want ErrUnknownRole", err)
	}

	snap, err = s.Load(ctx, room)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !bytes.Equal(snap.Document, doc) {
		t.Errorf("document = %d bytes, want %d", len(snap.Document), len(doc))
	}
	if !snap.SavedAt.Equal(at) {
		t.Errorf("SavedAt = %v, want %v", snap.SavedAt, at)
	}
	if snap.KeyHashes[RolePlayer] != "aaa" || snap.KeyHashes[RoleSpectator] != "bbb" {
		t.Errorf("KeyHashes = %v", snap.KeyHashes)
	}

	if err := s.Delete(ctx, room); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	snap, err = s.Load(ctx, room)
	if err != nil {
		t.Fatalf("Load(after delete) error: %v", err)
	}
	if !snap.Empty() {
		t.Errorf("Load(after delete) = %+v, want empty", snap)
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestCompressedMemoryStore(t *testing.T) {
	s, err := NewCompressedStore(NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testStoreContract(t, s)
}

func TestCompressedStoreShrinksAndReadsPlain(t *testing.T) {
	inner := NewMemoryStore()
	s, err := NewCompressedStore(inner)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	doc := bytes.Repeat([]byte{1, 2, 3, 4}, 4096)
	if err := s.SaveDocument(ctx, "r1", doc, time.Now()); err != nil {
		t.Fatal(err)
	}
	raw, _ := inner.Load(ctx, "r1")
	if len(raw.Document) >= len(doc) {
		t.Errorf("stored %d bytes, want fewer than %d", len(raw.Document), len(doc))
	}

	// A snapshot written before compression was enabled.
	inner.SaveDocument(ctx, "r2", []byte{2, 3, 1, 1, 3, 0, 0, 0}, time.Now())
	snap, err := s.Load(ctx, "r2")
	if err != nil {
		t.Fatalf("Load(plain) error: %v", err)
	}
	if !bytes.Equal(snap.Document, []byte{2, 3, 1, 1, 3, 0, 0, 0}) {
		t.Errorf("plain document = %v", snap.Document)
	}
}

func TestMemoryStoreReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SaveDocument(ctx, "r", []byte{1, 2, 3}, time.Now())

	snap, _ := s.Load(ctx, "r")
	snap.Document[0] = 9

	again, _ := s.Load(ctx, "r")
	if again.Document[0] != 1 {
		t.Error("store was modified through returned snapshot")
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"default", Options{}, false},
		{"memory zstd", Options{Driver: "memory", Compression: "zstd"}, false},
		{"redis", Options{Driver: "redis", Redis: RedisOptions{Address: "127.0.0.1:1"}}, false},
		{"bad driver", Options{Driver: "etcd"}, true},
		{"bad compression", Options{Compression: "lz4"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TABLESYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("TABLESYNC_TEST_REDIS not set")
	}
	s := NewRedisStore(RedisOptions{Address: addr, KeyPrefix: "tablesync-test:"})
	defer s.Close()
	testStoreContract(t, s)
}
