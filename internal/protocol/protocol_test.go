package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeSyncFrames(t *testing.T) {
	update := []byte{1, 2, 3, 4}
	tests := []struct {
		name  string
		frame []byte
		want  SyncType
	}{
		{"step1", EncodeSyncStep1(EmptyStateVector), SyncStep1},
		{"step2", EncodeSyncStep2(update), SyncStep2},
		{"update", EncodeSyncUpdate(update), SyncUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode(tt.frame)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if msg.Type != MessageSync {
				t.Errorf("type = %v, want sync", msg.Type)
			}
			if msg.Sync != tt.want {
				t.Errorf("sync type = %d, want %d", msg.Sync, tt.want)
			}
		})
	}
}

func TestDecodeUpdatePayload(t *testing.T) {
	update := bytes.Repeat([]byte{0xAB}, 300) // length needs a two-byte varuint
	msg, err := Decode(EncodeSyncUpdate(update))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !bytes.Equal(msg.Payload, update) {
		t.Errorf("payload length = %d, want %d", len(msg.Payload), len(update))
	}
}

func TestDecodeWireBytes(t *testing.T) {
	// Frames as produced by existing clients.
	frame := []byte{0x00, 0x02, 0x02, 0x00, 0x00}
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.Type != MessageSync || msg.Sync != SyncUpdate || !bytes.Equal(msg.Payload, EmptyUpdate) {
		t.Errorf("Decode(%v) = %+v", frame, msg)
	}

	if got := EncodeSyncStep1(EmptyStateVector); !bytes.Equal(got, []byte{0x00, 0x00, 0x01, 0x00}) {
		t.Errorf("EncodeSyncStep1(empty) = %v", got)
	}
	if got := EncodeQueryPresence(); !bytes.Equal(got, []byte{0x03}) {
		t.Errorf("EncodeQueryPresence() = %v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"unterminated tag", []byte{0x80}},
		{"unknown type", []byte{0x07}},
		{"missing sync type", []byte{0x00}},
		{"unknown sync type", []byte{0x00, 0x05, 0x00}},
		{"truncated sync payload", []byte{0x00, 0x02, 0x05, 0x01}},
		{"truncated presence payload", []byte{0x01, 0x03, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode(%v) error = %v, want ErrMalformed", tt.frame, err)
			}
		})
	}
}

func TestPresenceUpdateDecode(t *testing.T) {
	entries := []PresenceEntry{
		{ID: 7, Clock: 1, State: `{"cursor":{"x":1}}`},
		{ID: 300, Clock: 9, State: "null"},
	}
	got, err := DecodePresenceUpdate(EncodePresenceUpdate(entries))
	if err != nil {
		t.Fatalf("DecodePresenceUpdate() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0] != entries[0] || got[1] != entries[1] {
		t.Errorf("entries = %+v, want %+v", got, entries)
	}
	if got[0].Removed() || !got[1].Removed() {
		t.Error("Removed() mismatch")
	}
}

func TestPresenceUpdateRejectsNonJSONState(t *testing.T) {
	for _, state := range []string{"{not json", "", "{\"a\":", "undefined"} {
		t.Run(state, func(t *testing.T) {
			update := EncodePresenceUpdate([]PresenceEntry{
				{ID: 1, Clock: 1, State: "{}"},
				{ID: 7, Clock: 1, State: state},
			})
			if _, err := DecodePresenceUpdate(update); !errors.Is(err, ErrMalformed) {
				t.Errorf("DecodePresenceUpdate(%q) error = %v, want ErrMalformed", state, err)
			}
		})
	}
}

func TestPresenceEntryIDsTolerant(t *testing.T) {
	full := EncodePresenceUpdate([]PresenceEntry{
		{ID: 7, Clock: 1, State: "{}"},
		{ID: 8, Clock: 1, State: "{}"},
		{ID: 7, Clock: 2, State: "{}"},
	})

	tests := []struct {
		name   string
		update []byte
		want   []uint64
	}{
		{"complete", full, []uint64{7, 8}},
		{"truncated trailing state", full[:len(full)-2], []uint64{7, 8}},
		{"count larger than entries", append([]byte{5}, full[1:]...), []uint64{7, 8}},
		{"only count", []byte{3}, nil},
		{"empty", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PresenceEntryIDs(tt.update)
			if len(got) != len(tt.want) {
				t.Fatalf("PresenceEntryIDs() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("PresenceEntryIDs()[%d] = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}

	if _, err := DecodePresenceUpdate(full[:len(full)-2]); !errors.Is(err, ErrMalformed) {
		t.Errorf("strict decode of truncated update error = %v, want ErrMalformed", err)
	}
}
