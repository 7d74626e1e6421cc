package email

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/videocast-api/internal/config"
	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/pkg/logger"
)

func TestSendBatchReady(t *testing.T) {
	var sent []*gomail.Message
	svc := &smtpService{
		from:   "noreply@videocast.local",
		send:   func(m ...*gomail.Message) error { sent = append(sent, m...); return nil },
		logger: logger.Nop(),
	}
	batch := &model.Batch{Name: "Spring promo"}
	batch.ID = uuid.New()
	batch.Total, batch.GenerationSucceeded, batch.GenerationFailed = 3, 2, 1

	require.NoError(t, svc.SendBatchReady(context.Background(), "ops@example.com", batch))
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, sent[0].GetHeader("To"))
	assert.Equal(t, []string{`Batch "Spring promo" is ready`}, sent[0].GetHeader("Subject"))
}

func TestSendCustom_WrapsDialError(t *testing.T) {
	svc := &smtpService{
		send:   func(...*gomail.Message) error { return errors.New("dial tcp: refused") },
		logger: logger.Nop(),
	}
	err := svc.SendCustom(context.Background(), "a@b.c", "s", "c")
	assert.ErrorContains(t, err, "failed to send email")
}

func TestNewService_DisabledIsNop(t *testing.T) {
	svc := NewService(config.EmailConfig{Enabled: false}, nil)
	_, ok := svc.(*nopService)
	assert.True(t, ok)
	assert.NoError(t, svc.SendCustom(context.Background(), "a@b.c", "s", "c"))
}

func TestBatchReadyBody(t *testing.T) {
	b := &model.Batch{Name: "x"}
	b.Total = 5
	body := batchReadyBody(b)
	assert.Contains(t, body, "Total items:   5")
}
