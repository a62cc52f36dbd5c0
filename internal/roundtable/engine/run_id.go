package engine

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a globally unique, filesystem-safe, lexicographically
// sortable identifier. ULIDs embed a millisecond timestamp, so a run sorts
// after every run started in an earlier millisecond; within the same
// millisecond the order follows the random part.
func NewRunID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
