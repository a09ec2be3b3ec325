// Package webhook builds and verifies the per-campaign callback URLs handed
// to the generation service.
package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "adstudio-server"

var (
	ErrInvalidToken = errors.New("invalid callback token")
	ErrTokenExpired = errors.New("callback token expired")
)

// Signer issues HS256 tokens whose subject is the campaign id. Without a
// secret no token is issued and none is required.
type Signer struct {
	baseURL string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Signer)

func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// NewSigner takes the public base URL the API is reachable at, including any
// path prefix such as /api/v1.
func NewSigner(baseURL, secret string, ttl time.Duration, opts ...Option) *Signer {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	s := &Signer{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Signer) Enabled() bool { return len(s.secret) > 0 }

// CallbackURL is {base}/campaigns/{campaignID}/generate-images/callback,
// with a token query parameter when signing is enabled.
func (s *Signer) CallbackURL(campaignID string) (string, error) {
	u := fmt.Sprintf("%s/campaigns/%s/generate-images/callback", s.baseURL, url.PathEscape(campaignID))
	if !s.Enabled() {
		return u, nil
	}
	token, err := s.Token(campaignID)
	if err != nil {
		return "", err
	}
	return u + "?token=" + url.QueryEscape(token), nil
}

func (s *Signer) Token(campaignID string) (string, error) {
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   campaignID,
		Audience:  jwt.ClaimStrings{"generation-callback"},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign callback token: %w", err)
	}
	return token, nil
}

// Verify checks that token was issued for campaignID and has not expired.
func (s *Signer) Verify(campaignID, token string) error {
	if !s.Enabled() {
		return nil
	}
	if token == "" {
		return ErrInvalidToken
	}
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithSubject(campaignID),
		jwt.WithAudience("generation-callback"),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrInvalidToken
	}
	return nil
}
