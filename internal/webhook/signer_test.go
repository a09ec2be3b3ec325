package webhook

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackURLWithoutSecret(t *testing.T) {
	s := NewSigner("https://studio.example.com/api/v1/", "", 0)
	u, err := s.CallbackURL("c1")
	require.NoError(t, err)
	assert.Equal(t, "https://studio.example.com/api/v1/campaigns/c1/generate-images/callback", u)
	assert.NoError(t, s.Verify("c1", ""))
}

func TestSignedCallbackRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSigner("https://studio.example.com/api/v1", "s3cret", time.Hour, WithClock(func() time.Time { return now }))

	raw, err := s.CallbackURL("c1")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/campaigns/c1/generate-images/callback", u.Path)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)

	assert.NoError(t, s.Verify("c1", token))
	assert.ErrorIs(t, s.Verify("c2", token), ErrInvalidToken, "token is bound to its campaign")
	assert.ErrorIs(t, s.Verify("c1", ""), ErrInvalidToken)
	assert.ErrorIs(t, s.Verify("c1", token+"x"), ErrInvalidToken)

	other := NewSigner("https://studio.example.com/api/v1", "different", time.Hour, WithClock(func() time.Time { return now }))
	assert.ErrorIs(t, other.Verify("c1", token), ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSigner("http://localhost:8080/api/v1", "s3cret", time.Hour, WithClock(func() time.Time { return now }))
	token, err := s.Token("c1")
	require.NoError(t, err)

	later := NewSigner("http://localhost:8080/api/v1", "s3cret", time.Hour, WithClock(func() time.Time { return now.Add(2 * time.Hour) }))
	assert.ErrorIs(t, later.Verify("c1", token), ErrTokenExpired)
}
