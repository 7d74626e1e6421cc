package preview

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/provider"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/validator"
)

type CreateRequest struct {
	PersonaID string `json:"persona_id" validate:"notblank"`
	Script    string `json:"script" validate:"notblank,max=1000"`
}

type Servicer interface {
	Create(ctx context.Context, req *CreateRequest) (*model.PreviewSession, error)
	Get(ctx context.Context, id string) (*model.PreviewSession, error)
}

type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	Width           int
	Height          int
}

// Service renders one-off previews. Sessions exist only in an expiring map
// and are polled lazily when a client asks for them.
type Service struct {
	avatar    provider.AvatarProvider
	sessions  *cache.Cache
	validator validator.Validator
	logger    *logger.Logger
	cfg       Config
	now       func() time.Time
}

func NewService(avatar provider.AvatarProvider, cfg Config, log *logger.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		avatar:    avatar,
		sessions:  cache.New(cfg.TTL, cfg.CleanupInterval),
		validator: validator.New(),
		logger:    log.With("preview"),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*model.PreviewSession, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}

	jobID, err := s.avatar.SubmitRender(ctx, provider.RenderRequest{
		PersonaID: strings.TrimSpace(req.PersonaID),
		Script:    strings.TrimSpace(req.Script),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
	})
	if err != nil {
		if provider.IsRejection(err) {
			return nil, apperrors.NewBadRequest(provider.ErrorMessage(err), err)
		}
		return nil, fmt.Errorf("failed to submit preview: %w", err)
	}

	now := s.now()
	session := &model.PreviewSession{
		ID:        uuid.NewString(),
		PersonaID: req.PersonaID,
		JobID:     jobID,
		Status:    model.PreviewProcessing,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	s.sessions.Set(session.ID, *session, s.cfg.TTL)
	s.logger.Debug("Preview submitted", "preview_id", session.ID, "job_id", jobID)
	return session, nil
}

// Get returns the session, polling the provider first while it is still
// processing. A poll error is logged and the last known state is returned.
func (s *Service) Get(ctx context.Context, id string) (*model.PreviewSession, error) {
	v, ok := s.sessions.Get(id)
	if !ok {
		return nil, apperrors.NewNotFound("preview", nil)
	}
	session := v.(model.PreviewSession)
	if session.Status != model.PreviewProcessing {
		return &session, nil
	}

	st, err := s.avatar.PollRender(ctx, session.JobID)
	if err != nil {
		s.logger.Warn("Preview poll failed", "preview_id", id, "error", err.Error())
		return &session, nil
	}
	switch st.State {
	case provider.JobDone:
		session.Status = model.PreviewDone
		session.URL = st.ResultURL
	case provider.JobFailed:
		session.Status = model.PreviewFailed
		session.Error = st.Error
	default:
		return &session, nil
	}

	remaining := session.ExpiresAt.Sub(s.now())
	if remaining > 0 {
		s.sessions.Set(id, session, remaining)
	}
	return &session, nil
}
