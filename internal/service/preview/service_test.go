package preview

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

type stubAvatar struct {
	provider.AvatarProvider
	submitErr error
	status    provider.JobStatus
	pollErr   error
	polls     int
}

func (s *stubAvatar) SubmitRender(context.Context, provider.RenderRequest) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return "pv-1", nil
}

func (s *stubAvatar) PollRender(context.Context, string) (provider.JobStatus, error) {
	s.polls++
	return s.status, s.pollErr
}

func TestPreviewLifecycle(t *testing.T) {
	av := &stubAvatar{status: provider.JobStatus{State: provider.JobRunning}}
	svc := NewService(av, Config{TTL: time.Minute}, nil)
	ctx := context.Background()

	session, err := svc.Create(ctx, &CreateRequest{PersonaID: "amy", Script: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, model.PreviewProcessing, session.Status)
	assert.Equal(t, "pv-1", session.JobID)

	got, err := svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PreviewProcessing, got.Status)

	av.status = provider.JobStatus{State: provider.JobDone, ResultURL: "https://cdn/pv.mp4"}
	got, err = svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PreviewDone, got.Status)
	assert.Equal(t, "https://cdn/pv.mp4", got.URL)

	_, err = svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, av.polls, "finished sessions are not polled again")
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(&stubAvatar{}, Config{}, nil)
	_, err := svc.Create(context.Background(), &CreateRequest{PersonaID: "amy", Script: "  "})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrValidation, appErr.Code)
}

func TestCreate_ProviderRejection(t *testing.T) {
	av := &stubAvatar{submitErr: &provider.StatusError{Provider: "avatar", Code: 422, Body: `{"message":"unknown presenter"}`}}
	svc := NewService(av, Config{}, nil)
	_, err := svc.Create(context.Background(), &CreateRequest{PersonaID: "zed", Script: "hi"})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrBadRequest, appErr.Code)
}

func TestGet_PollErrorKeepsState(t *testing.T) {
	av := &stubAvatar{}
	svc := NewService(av, Config{TTL: time.Minute}, nil)
	session, err := svc.Create(context.Background(), &CreateRequest{PersonaID: "amy", Script: "hi"})
	require.NoError(t, err)

	av.pollErr = errors.New("timeout")
	got, err := svc.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PreviewProcessing, got.Status)
}

func TestGet_Unknown(t *testing.T) {
	svc := NewService(&stubAvatar{}, Config{}, nil)
	_, err := svc.Get(context.Background(), "missing")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrNotFound, appErr.Code)
}
