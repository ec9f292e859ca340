// Package virtualkey manages gateway credentials: hashed virtual keys
// grouped under shared balances, and short-lived ephemeral master keys
// for the admin plane.
package virtualkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Prefix marks every virtual key secret on the wire.
const Prefix = "ck-"

// secretLen is the length of the random part after the prefix.
const secretLen = 48

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Key is a stored virtual key. The secret itself is never persisted,
// only its SHA-256 hash.
type Key struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	GroupID    string    `json:"group_id"`
	Hash       string    `json:"-"`
	Enabled    bool      `json:"enabled"`
	UsageCount int64     `json:"usage_count"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Group pools keys under one spendable balance.
type Group struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// NewSecret generates a fresh virtual key secret: the ck- prefix plus 48
// random characters.
func NewSecret() (string, error) {
	buf := make([]byte, secretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = secretAlphabet[int(b)%len(secretAlphabet)]
	}
	return Prefix + string(buf), nil
}

// HashSecret returns the hex SHA-256 of a presented secret. The full
// token including the prefix is hashed.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// WellFormed reports whether a presented token has the virtual key shape
// before any store lookup happens.
func WellFormed(secret string) bool {
	return strings.HasPrefix(secret, Prefix) && len(secret) == len(Prefix)+secretLen
}
