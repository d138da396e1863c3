package util

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidID reports a string that can never have been an annotation id,
// as opposed to a well-formed id with no matching row.
var ErrInvalidID = errors.New("invalid id")

// Legacy ids were 15-byte search-engine flake ids. They are stored as UUIDs
// with these two nibbles inserted at hex offsets 12 and 16.
const (
	flakeNibbleA = 'e'
	flakeNibbleB = '5'
)

// NewID returns the external form of a fresh random 128-bit id.
func NewID() string {
	return EncodeID(uuid.New())
}

// EncodeID renders id as unpadded url-safe base64: 22 characters, or 20 for
// a converted legacy flake id.
func EncodeID(id uuid.UUID) string {
	h := hex.EncodeToString(id[:])
	if h[12] == flakeNibbleA && h[16] == flakeNibbleB {
		raw, _ := hex.DecodeString(h[0:12] + h[13:16] + h[17:32])
		return base64.URLEncoding.EncodeToString(raw)
	}
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// DecodeID accepts the 22-character current form and the 20-character legacy
// flake form. A 21-character input is a legacy id carrying one stray "="
// pad, which some old clients appended.
func DecodeID(s string) (uuid.UUID, error) {
	switch len(s) {
	case 22:
		raw, err := base64.RawURLEncoding.Strict().DecodeString(s)
		if err != nil || len(raw) != 16 {
			return uuid.Nil, invalidID(s)
		}
		var id uuid.UUID
		copy(id[:], raw)
		return id, nil
	case 21:
		if !strings.HasSuffix(s, "=") {
			return uuid.Nil, invalidID(s)
		}
		return decodeFlake(s[:20])
	case 20:
		return decodeFlake(s)
	default:
		return uuid.Nil, invalidID(s)
	}
}

// MustDecodeID is DecodeID for ids produced by this package.
func MustDecodeID(s string) uuid.UUID {
	id, err := DecodeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ValidID reports whether s decodes.
func ValidID(s string) bool {
	_, err := DecodeID(s)
	return err == nil
}

func decodeFlake(s string) (uuid.UUID, error) {
	raw, err := base64.URLEncoding.Strict().DecodeString(s)
	if err != nil || len(raw) != 15 {
		return uuid.Nil, invalidID(s)
	}
	h := hex.EncodeToString(raw)
	full := h[0:12] + string(flakeNibbleA) + h[12:15] + string(flakeNibbleB) + h[15:30]
	id, err := uuid.Parse(full)
	if err != nil {
		return uuid.Nil, invalidID(s)
	}
	return id, nil
}

func invalidID(s string) error {
	return fmt.Errorf("%w: %q is not a valid encoded id", ErrInvalidID, s)
}
