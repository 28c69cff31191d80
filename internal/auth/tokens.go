package auth

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/makerchecker/internal/rbac"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// DefaultTokenTTL is used when TokenConfig.TTL is unset.
const DefaultTokenTTL = time.Hour

// Claims represents JWT claims carried by access tokens.
type Claims struct {
	TenantID int64   `json:"tid"`
	Groups   []int64 `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

// TokenIssuer signs and verifies HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer. An empty secret is rejected.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: token secret is not configured")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenIssuer{secret: cfg.Secret, issuer: cfg.Issuer, ttl: cfg.TTL, now: cfg.Now}, nil
}

// Issue signs a token for the principal.
func (t *TokenIssuer) Issue(p rbac.Principal) (Token, error) {
	if !p.Authenticated() {
		return Token{}, errors.New("auth: principal requires user and tenant")
	}
	now := t.now().UTC()
	expires := now.Add(t.ttl)
	claims := Claims{
		TenantID: p.TenantID,
		Groups:   dedupeGroups(p.GroupIDs),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expires}, nil
}

// Parse verifies the token and returns the principal it describes.
func (t *TokenIssuer) Parse(raw string) (rbac.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return rbac.Principal{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
		jwt.WithLeeway(5 * time.Second),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return rbac.Principal{}, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return rbac.Principal{}, ErrInvalidToken
	}
	p := rbac.Principal{UserID: userID, TenantID: claims.TenantID, GroupIDs: dedupeGroups(claims.Groups)}
	if !p.Authenticated() {
		return rbac.Principal{}, ErrInvalidToken
	}
	return p, nil
}

func dedupeGroups(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
