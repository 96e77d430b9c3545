package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type countingSource struct {
	calls int
	err   error
}

func (s *countingSource) Token() (*oauth2.Token, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: "tok"}, nil
}

func TestStatic(t *testing.T) {
	id, err := Static{UserID: "u1", DisplayName: "Ada"}.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ada", id.DisplayName)

	_, err = Static{}.Current(context.Background())
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestTokenSourceProviderReusesValidToken(t *testing.T) {
	src := &countingSource{}
	p := NewTokenSourceProvider("u1", "Ada", src)

	for range 3 {
		id, err := p.Current(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok", id.Token)
	}
	// Tokens without expiry stay valid, so the source is hit once.
	assert.Equal(t, 1, src.calls)
}

func TestTokenSourceProviderError(t *testing.T) {
	p := NewTokenSourceProvider("u1", "Ada", &countingSource{err: errors.New("revoked")})
	_, err := p.Current(context.Background())
	assert.ErrorContains(t, err, "revoked")
}
