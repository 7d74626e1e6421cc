package persona

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/provider"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
)

type countingAvatar struct {
	provider.AvatarProvider
	calls    int
	personas []model.Persona
	err      error
}

func (c *countingAvatar) ListPersonas(context.Context) ([]model.Persona, error) {
	c.calls++
	return c.personas, c.err
}

func TestList_CachesCatalogue(t *testing.T) {
	av := &countingAvatar{personas: []model.Persona{{ID: "amy", DisplayName: "Amy"}}}
	svc := NewService(av, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := svc.List(ctx)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	}
	assert.Equal(t, 1, av.calls)

	svc.Invalidate()
	_, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, av.calls)
}

func TestList_ErrorIsNotCached(t *testing.T) {
	av := &countingAvatar{err: errors.New("502")}
	svc := NewService(av, time.Minute, nil)

	_, err := svc.List(context.Background())
	assert.ErrorContains(t, err, "failed to list personas")

	av.err = nil
	_, err = svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, av.calls)
}

func TestGet(t *testing.T) {
	av := &countingAvatar{personas: []model.Persona{{ID: "amy"}, {ID: "bob"}}}
	svc := NewService(av, time.Minute, nil)

	p, err := svc.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.ID)

	_, err = svc.Get(context.Background(), "zed")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrNotFound, appErr.Code)
}
