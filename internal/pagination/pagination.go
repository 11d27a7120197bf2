// Package pagination implements the opaque page token handed back by the
// listing endpoints: a stable, base64-encoded cursor so an HTTP client
// can resume a scan without knowing the storage layer's key layout.
package pagination

import (
	"encoding/base64"
	"encoding/json"

	"github.com/swarmguard/taskforge/internal/errs"
)

// Direction is the scan direction a Cursor resumes in.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Cursor is the decoded shape of an opaque page token: the last item a
// prior page ended on, so the next call can seek past it instead of
// re-scanning from the start.
type Cursor struct {
	LastID      string    `json:"last_id"`
	LastUpdated int64     `json:"last_updated"` // unix nanos
	Direction   Direction `json:"direction"`
}

// Encode renders c as an opaque, URL-safe page token.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a page token produced by Encode. An empty token decodes to
// a forward Cursor with no LastID (start of the collection) rather than
// an error, so a
// listing endpoint's first call needs no special-casing.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{Direction: Forward}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, errs.Validation("pagination: malformed cursor: %v", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, errs.Validation("pagination: malformed cursor: %v", err)
	}
	if c.Direction != Forward && c.Direction != Backward {
		return Cursor{}, errs.Validation("pagination: unknown direction %q", c.Direction)
	}
	return c, nil
}
