// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Entity ID prefixes used across the marketplace.
const (
	TicketPrefix      = "tkt_"
	TransactionPrefix = "txn_"
	OfferPrefix       = "off_"
	DisputePrefix     = "dsp_"
	EventPrefix       = "evt_"
	SubPrefix         = "sub_"
)

// WithPrefix generates a random ID with a prefix (e.g. "txn_", "off_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
