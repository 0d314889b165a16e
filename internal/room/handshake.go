package room

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tablesync/tablesync/internal/storage"
)

const maxAccessKeyLen = 256

var accessKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Meta is the validated identity of a joining connection.
type Meta struct {
	UserID         string
	ClientKey      string
	SessionVersion uint64
	Role           string
	AccessKey      string
}

// ValidID reports whether s is a UUIDv4 in canonical 36-character form.
func ValidID(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// ParseHandshake validates the join query parameters. Every failure is a
// *CloseError with CodeHandshake.
func ParseHandshake(q url.Values) (Meta, error) {
	var m Meta

	m.UserID = q.Get("userId")
	if !ValidID(m.UserID) {
		return Meta{}, closeErr(CodeHandshake, "invalid userId")
	}
	m.ClientKey = q.Get("clientKey")
	if !ValidID(m.ClientKey) {
		return Meta{}, closeErr(CodeHandshake, "invalid clientKey")
	}

	v, err := strconv.ParseUint(strings.TrimSpace(q.Get("sessionVersion")), 10, 53)
	if err != nil {
		return Meta{}, closeErr(CodeHandshake, "invalid sessionVersion")
	}
	m.SessionVersion = v

	m.Role = q.Get("role")
	if m.Role != storage.RolePlayer && m.Role != storage.RoleSpectator {
		return Meta{}, closeErr(CodeHandshake, "invalid role")
	}

	m.AccessKey = q.Get("accessKey")
	if m.AccessKey == "" {
		return Meta{}, closeErr(CodeHandshake, "missing accessKey")
	}
	if len(m.AccessKey) > maxAccessKeyLen || !accessKeyPattern.MatchString(m.AccessKey) {
		return Meta{}, closeErr(CodeHandshake, "invalid accessKey")
	}

	// UUIDs are case-insensitive; locks and owners compare lowercase.
	m.UserID = strings.ToLower(m.UserID)
	m.ClientKey = strings.ToLower(m.ClientKey)
	return m, nil
}
