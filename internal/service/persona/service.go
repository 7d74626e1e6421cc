package persona

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/provider"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
	"github.com/jwalitptl/videocast-api/pkg/logger"
)

const listKey = "personas"

type Servicer interface {
	List(ctx context.Context) ([]model.Persona, error)
	Get(ctx context.Context, id string) (*model.Persona, error)
	Invalidate()
}

// Service proxies the provider's persona catalogue behind a short-lived
// cache. The catalogue changes rarely and every batch form loads it.
type Service struct {
	avatar provider.AvatarProvider
	cache  *cache.Cache
	logger *logger.Logger
}

func NewService(avatar provider.AvatarProvider, ttl time.Duration, log *logger.Logger) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		avatar: avatar,
		cache:  cache.New(ttl, 2*ttl),
		logger: log.With("persona"),
	}
}

func (s *Service) List(ctx context.Context) ([]model.Persona, error) {
	if cached, ok := s.cache.Get(listKey); ok {
		return cached.([]model.Persona), nil
	}
	personas, err := s.avatar.ListPersonas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	s.cache.SetDefault(listKey, personas)
	s.logger.Debug("Persona catalogue refreshed", "count", len(personas))
	return personas, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Persona, error) {
	personas, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range personas {
		if personas[i].ID == id {
			p := personas[i]
			return &p, nil
		}
	}
	return nil, apperrors.NewNotFound("persona", nil)
}

// Invalidate drops the cached catalogue.
func (s *Service) Invalidate() {
	s.cache.Delete(listKey)
}
