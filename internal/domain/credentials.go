package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Environment selects the broker's demo or live endpoint set.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvLive Environment = "live"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	return e == EnvDemo || e == EnvLive
}

// Credentials identify one broker account. They are immutable for the life of
// an integration.
type Credentials struct {
	Username    string
	APIKey      string
	Password    string
	AccountID   string
	Environment Environment
}

// Key returns a stable cache key for the account. The password only
// contributes through the digest so it never appears in cache keys.
func (c Credentials) Key() string {
	h := sha256.New()
	for _, part := range []string{string(c.Environment), c.Username, c.APIKey, c.AccountID, c.Password} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// String redacts the secret fields.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username:%s, AccountID:%s, Environment:%s, APIKey:***, Password:***}",
		c.Username, c.AccountID, c.Environment)
}
