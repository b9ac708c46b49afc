// Package identity supplies provider access tokens. buildhook never runs an
// OAuth flow; tokens are resolved by whoever operates it.
package identity

import (
	"context"

	"buildhook/shared/model"
)

type TokenSource interface {
	// AccessToken returns the provider token for p, or "" for anonymous
	// access.
	AccessToken(ctx context.Context, p *model.Project) (string, error)
}

// Static resolves tokens from configuration: by project id, then by owner
// id, then the default.
type Static struct {
	Default string
	Tokens  map[string]string
}

// NewStatic creates a new Static token source
func NewStatic(defaultToken string, tokens map[string]string) *Static {
	return &Static{Default: defaultToken, Tokens: tokens}
}

func (s *Static) AccessToken(_ context.Context, p *model.Project) (string, error) {
	if p != nil {
		if t, ok := s.Tokens[p.ID]; ok {
			return t, nil
		}
		if t, ok := s.Tokens[p.OwnerID]; ok {
			return t, nil
		}
	}
	return s.Default, nil
}
