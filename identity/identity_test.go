package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildhook/shared/model"
)

func TestStaticLookupOrder(t *testing.T) {
	s := NewStatic("fallback", map[string]string{"p1": "project-token", "owner-2": "owner-token"})
	ctx := context.Background()

	tok, err := s.AccessToken(ctx, &model.Project{ID: "p1", OwnerID: "owner-2"})
	require.NoError(t, err)
	assert.Equal(t, "project-token", tok)

	tok, err = s.AccessToken(ctx, &model.Project{ID: "p9", OwnerID: "owner-2"})
	require.NoError(t, err)
	assert.Equal(t, "owner-token", tok)

	tok, err = s.AccessToken(ctx, &model.Project{ID: "p9", OwnerID: "owner-9"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", tok)

	tok, err = s.AccessToken(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", tok)
}
