// Package bearer verifies HS256 access tokens issued by the identity provider
// and materialises them as sessions.
package bearer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"bloodlink/internal/session"
	"bloodlink/internal/session/models"
	id "bloodlink/pkg/domain"
	"bloodlink/pkg/platform/sentinel"
)

// Claims mirrors the provider's access token payload.
type Claims struct {
	SessionID    string         `json:"session_id,omitempty"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// Verifier implements session.Verifier for bearer tokens.
type Verifier struct {
	signingKey []byte
	issuer     string
	audience   string
	leeway     time.Duration
	clock      func() time.Time
}

type Option func(*Verifier)

func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = issuer
	}
}

func WithAudience(audience string) Option {
	return func(v *Verifier) {
		v.audience = audience
	}
}

func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) {
		v.leeway = d
	}
}

func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

func New(signingKey string, opts ...Option) *Verifier {
	v := &Verifier{
		signingKey: []byte(signingKey),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates the token signature and registered claims and returns the
// session it represents.
func (v *Verifier) Verify(_ context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, session.ErrNoSession
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.signingKey, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", session.ErrInvalidCredential, sentinel.ErrExpired)
		}
		return nil, fmt.Errorf("%w: %w", session.ErrInvalidCredential, err)
	}

	userID, err := id.ParseUserID(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject: %w", session.ErrInvalidCredential, err)
	}

	sessionID := claims.SessionID
	if sessionID == "" {
		sessionID = claims.ID
	}
	if sessionID == "" {
		sessionID = claims.Subject
	}

	sess := &models.Session{
		ID:       sessionID,
		UserID:   userID,
		Email:    claims.Email,
		Phone:    claims.Phone,
		Metadata: stringMetadata(claims.UserMetadata),
	}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

// Issue signs a token for userID. Used by development tooling and tests.
func (v *Verifier) Issue(userID id.UserID, sessionID string, emailAddr string, metadata map[string]any, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := Claims{
		SessionID:    sessionID,
		Email:        emailAddr,
		UserMetadata: metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signingKey)
}

func stringMetadata(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
