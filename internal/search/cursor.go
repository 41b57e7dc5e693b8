package search

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"

	"golang.org/x/crypto/blake2b"

	"codeindex/internal/errors"
)

const cursorVersion = 1

// cursorPayload is the signed pagination state.
type cursorPayload struct {
	V           int    `json:"v"` // cursor version
	Fingerprint string `json:"q"` // query fingerprint
	Offset      int    `json:"o"` // index of the next match
}

// cursorSigner issues and verifies cursors. With a random key a cursor is
// only valid for the Service that issued it; a persisted key extends that
// to every process serving the same store.
type cursorSigner struct {
	key []byte
}

func newCursorSigner() *cursorSigner {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return &cursorSigner{key: key}
}

func newCursorSignerWithKey(key []byte) *cursorSigner {
	if len(key) == 0 {
		return newCursorSigner()
	}
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &cursorSigner{key: append([]byte(nil), key...)}
}

func (c *cursorSigner) mac(data []byte) []byte {
	h, _ := blake2b.New256(c.key)
	h.Write(data)
	return h.Sum(nil)
}

// encode returns an opaque URL-safe cursor.
func (c *cursorSigner) encode(fingerprint string, offset int) string {
	data, err := json.Marshal(cursorPayload{V: cursorVersion, Fingerprint: fingerprint, Offset: offset})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data) + "." + base64.RawURLEncoding.EncodeToString(c.mac(data))
}

// decode validates cursor against the current query and returns its offset.
// An empty cursor is the first page.
func (c *cursorSigner) decode(cursor, fingerprint string) (int, error) {
	if cursor == "" {
		return 0, nil
	}

	body, sig, ok := strings.Cut(cursor, ".")
	if !ok {
		return 0, errors.Newf(errors.InvalidCursor, "invalid cursor format")
	}
	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return 0, errors.Newf(errors.InvalidCursor, "invalid cursor encoding")
	}
	mac, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || subtle.ConstantTimeCompare(mac, c.mac(data)) != 1 {
		return 0, errors.Newf(errors.InvalidCursor, "cursor signature mismatch")
	}

	var payload cursorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, errors.Newf(errors.InvalidCursor, "invalid cursor payload")
	}
	if payload.V != cursorVersion {
		return 0, errors.Newf(errors.InvalidCursor, "cursor version mismatch")
	}
	if payload.Fingerprint != fingerprint {
		return 0, errors.Newf(errors.InvalidCursor, "cursor belongs to a different query")
	}
	if payload.Offset < 0 {
		return 0, errors.Newf(errors.InvalidCursor, "invalid cursor offset")
	}
	return payload.Offset, nil
}
