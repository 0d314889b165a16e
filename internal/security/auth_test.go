package security

import "testing"

func TestHashAccessKey(t *testing.T) {
	// echo -n abc | sha256sum
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashAccessKey("abc"); got != want {
		t.Errorf("HashAccessKey(abc) = %s, want %s", got, want)
	}
	if HashAccessKey("abc") == HashAccessKey("xyz") {
		t.Error("different keys hashed equal")
	}
}

func TestHashMatch(t *testing.T) {
	h := HashAccessKey("abc")
	tests := []struct {
		name     string
		provided string
		pinned   string
		want     bool
	}{
		{"match", h, h, true},
		{"mismatch", HashAccessKey("xyz"), h, false},
		{"empty provided", "", h, false},
		{"empty pinned", h, "", false},
		{"both empty", "", "", false},
		{"different length", h[:10], h, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashMatch(tt.provided, tt.pinned); got != tt.want {
				t.Errorf("HashMatch() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.0.2.1:8787", "192.0.2.1"},
		{"[::1]:8787", "::1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		if got := ExtractClientIP(tt.addr); got != tt.want {
			t.Errorf("ExtractClientIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
