// Package idgen mints identifiers for agreements, withdrawals and ledger rows.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random v4 UUID, used for request ids.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by the 32 hex digits of a v7 UUID, so
// ids of one kind sort by creation time ("agr_", "wd_", "txn_").
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + hex.EncodeToString(id[:])
}
