package recipient

import (
	"context"
	"strings"

	"github.com/jwalitptl/videocast-api/internal/provider"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/validator"
)

type CheckRequest struct {
	Addresses []string `json:"addresses" validate:"required,min=1,max=100"`
}

// CheckResult is the registration state of one address. Error is set when
// the provider could not answer for it.
type CheckResult struct {
	Address    string `json:"address"`
	Registered bool   `json:"registered"`
	Error      string `json:"error,omitempty"`
}

type Servicer interface {
	Check(ctx context.Context, req *CheckRequest) ([]CheckResult, error)
}

type Service struct {
	messaging provider.MessagingProvider
	validator validator.Validator
	logger    *logger.Logger
}

func NewService(messaging provider.MessagingProvider, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{messaging: messaging, validator: validator.New(), logger: log.With("recipient")}
}

// Check asks the messaging provider about each address in turn. A failed
// lookup is reported on that address only.
func (s *Service) Check(ctx context.Context, req *CheckRequest) ([]CheckResult, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}
	results := make([]CheckResult, 0, len(req.Addresses))
	for _, raw := range req.Addresses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := CheckResult{Address: strings.TrimSpace(raw)}
		if res.Address == "" {
			res.Error = "address is required"
			results = append(results, res)
			continue
		}
		ok, err := s.messaging.CheckAddressRegistered(ctx, res.Address)
		if err != nil {
			res.Error = provider.ErrorMessage(err)
			s.logger.Warn("Address check failed", "address", res.Address, "error", err.Error())
		}
		res.Registered = ok
		results = append(results, res)
	}
	return results, nil
}
