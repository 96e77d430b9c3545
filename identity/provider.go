// Package identity supplies the current user to the sync core. The core only
// reads identities; refreshing tokens is the provider's business.
package identity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrNoUser is returned when a provider has no signed-in user.
var ErrNoUser = errors.New("no signed-in user")

type Identity struct {
	UserID      string
	DisplayName string
	Token       string
}

type Provider interface {
	Current(ctx context.Context) (Identity, error)
}

// Static always returns the same identity.
type Static Identity

func (s Static) Current(context.Context) (Identity, error) {
	if s.UserID == "" {
		return Identity{}, ErrNoUser
	}
	return Identity(s), nil
}

// TokenSourceProvider pairs a fixed user with an access token that the
// oauth2.TokenSource keeps fresh.
type TokenSourceProvider struct {
	UserID      string
	DisplayName string
	Source      oauth2.TokenSource
}

func NewTokenSourceProvider(userID, displayName string, src oauth2.TokenSource) *TokenSourceProvider {
	return &TokenSourceProvider{
		UserID:      userID,
		DisplayName: displayName,
		Source:      oauth2.ReuseTokenSource(nil, src),
	}
}

func (p *TokenSourceProvider) Current(ctx context.Context) (Identity, error) {
	if p.UserID == "" {
		return Identity{}, ErrNoUser
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	tok, err := p.Source.Token()
	if err != nil {
		return Identity{}, fmt.Errorf("refreshing token for %s: %w", p.UserID, err)
	}
	return Identity{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Token:       tok.AccessToken,
	}, nil
}
