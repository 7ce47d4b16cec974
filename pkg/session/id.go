package session

import (
	"github.com/google/uuid"
)

// NewDocumentID returns a random id suitable for a new room.
func NewDocumentID() string {
	return uuid.NewString()
}

// IsValidDocumentID reports whether id looks like one produced by NewDocumentID. Open accepts any non-empty id, so
// this is only a hint for callers that want to reject hand-typed ids.
func IsValidDocumentID(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.Variant() == uuid.RFC4122 && len(id) == 36
}
