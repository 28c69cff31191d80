package auth

import "time"

// User represents an account that may request access tokens.
type User struct {
	ID           int64
	TenantID     int64
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Token is a signed access token handed to API clients.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}
