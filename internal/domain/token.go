package domain

import "time"

// Token is an authenticated broker session. Brokers use different subsets of
// the fields: Capital.com returns CST + X-SECURITY-TOKEN, IG returns an OAuth
// access/refresh pair bound to an account.
type Token struct {
	AccessToken   string        `json:"access_token"`
	SecurityToken string        `json:"security_token,omitempty"`
	RefreshToken  string        `json:"refresh_token,omitempty"`
	AccountID     string        `json:"account_id,omitempty"`
	IssuedAt      time.Time     `json:"issued_at"`
	TTL           time.Duration `json:"ttl"`
}

// ExpiresAt is IssuedAt + TTL.
func (t Token) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.TTL)
}

// Valid reports whether the token can still be used at now.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt())
}
