package email

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/videocast-api/internal/config"
	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/pkg/logger"
)

type Service interface {
	SendBatchReady(ctx context.Context, to string, batch *model.Batch) error
	SendCustom(ctx context.Context, to string, subject string, content string) error
}

type smtpService struct {
	from   string
	send   func(...*gomail.Message) error
	logger *logger.Logger
}

// NewService returns an SMTP backed sender, or a logging no-op when email is
// disabled in config.
func NewService(cfg config.EmailConfig, log *logger.Logger) Service {
	if log == nil {
		log = logger.Nop()
	}
	if !cfg.Enabled || cfg.Host == "" {
		return &nopService{logger: log.With("email")}
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &smtpService{from: cfg.From, send: d.DialAndSend, logger: log.With("email")}
}

func (s *smtpService) SendBatchReady(ctx context.Context, to string, batch *model.Batch) error {
	return s.SendCustom(ctx, to, fmt.Sprintf("Batch %q is ready", batch.Name), batchReadyBody(batch))
}

func (s *smtpService) SendCustom(ctx context.Context, to string, subject string, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", content)
	if err := s.send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	s.logger.Info("Email sent", "to", to, "subject", subject)
	return nil
}

func batchReadyBody(b *model.Batch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Video generation for batch %q has finished.\n\n", b.Name)
	fmt.Fprintf(&sb, "Total items:   %d\n", b.Total)
	fmt.Fprintf(&sb, "Generated:     %d\n", b.GenerationSucceeded)
	fmt.Fprintf(&sb, "Failed:        %d\n", b.GenerationFailed)
	fmt.Fprintf(&sb, "\nBatch ID: %s\n", b.ID)
	return sb.String()
}

type nopService struct {
	logger *logger.Logger
}

func (n *nopService) SendBatchReady(ctx context.Context, to string, batch *model.Batch) error {
	n.logger.Debug("Email disabled, skipping batch-ready notification", "to", to, "batch_id", batch.ID.String())
	return nil
}

func (n *nopService) SendCustom(ctx context.Context, to string, subject string, content string) error {
	n.logger.Debug("Email disabled, skipping message", "to", to, "subject", subject)
	return nil
}
