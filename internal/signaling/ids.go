package signaling

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxPeerIDLen = 128

var ErrInvalidPeerID = errors.New("invalid peer id")

// newPeerID assigns an identifier to a client that did not request one.
func newPeerID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func validatePeerID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPeerID)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: not valid utf-8", ErrInvalidPeerID)
	}
	if n := utf8.RuneCountInString(id); n > maxPeerIDLen {
		return fmt.Errorf("%w: %d characters (max %d)", ErrInvalidPeerID, n, maxPeerIDLen)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidPeerID)
		}
	}
	return nil
}
