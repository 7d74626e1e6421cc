package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

type call struct{ a, b, c string }

type recorder struct {
	mu       sync.Mutex
	renders  []call
	delivery []call
}

func (r *recorder) OnRenderCallback(_ context.Context, jobID, status, resultURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, call{jobID, status, resultURL})
	return nil
}

func (r *recorder) OnDeliveryEvent(_ context.Context, id, status, ts string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivery = append(r.delivery, call{id, status, ts})
	return nil
}

func newEngine(secret string) (*gin.Engine, *recorder) {
	gin.SetMode(gin.TestMode)
	rec := &recorder{}
	h := NewHandler(rec, rec, Config{Secret: secret}, nil, metrics.NewUnregistered())
	r := gin.New()
	r.POST("/webhooks/avatar", h.Avatar)
	r.POST("/webhooks/messaging", h.Messaging)
	return r, rec
}

func post(r http.Handler, path, contentType, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAvatarWebhook_Aliases(t *testing.T) {
	r, rec := newEngine("")

	w := post(r, "/webhooks/avatar", "application/json", `{"talk_id":"job-1","status":"done","resultUrl":"https://cdn/a.mp4"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success"}`, w.Body.String())

	post(r, "/webhooks/avatar", "application/json", `{"jobId":"job-2","status":"error"}`, nil)

	require.Len(t, rec.renders, 2)
	assert.Equal(t, call{"job-1", "done", "https://cdn/a.mp4"}, rec.renders[0])
	assert.Equal(t, call{"job-2", "error", ""}, rec.renders[1])
}

func TestMessagingWebhook_DataArrayAndNumbers(t *testing.T) {
	r, rec := newEngine("")

	body := `{"data":[
		{"message_id":"m1","state":"delivered","timestamp":1709294400},
		{"id":12345,"message_status":"read","updated_at":"2024-03-01 12:00:00"},
		{"status":"sent"}
	]}`
	w := post(r, "/webhooks/messaging", "application/json", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	require.Len(t, rec.delivery, 2)
	assert.Equal(t, call{"m1", "delivered", "1709294400"}, rec.delivery[0])
	assert.Equal(t, call{"12345", "read", "2024-03-01 12:00:00"}, rec.delivery[1])
}

func TestMessagingWebhook_Form(t *testing.T) {
	r, rec := newEngine("")
	form := url.Values{"messageId": {"m9"}, "status": {"sent"}, "date": {"2024-03-01T12:00:00Z"}}

	post(r, "/webhooks/messaging", "application/x-www-form-urlencoded", form.Encode(), nil)

	require.Len(t, rec.delivery, 1)
	assert.Equal(t, call{"m9", "sent", "2024-03-01T12:00:00Z"}, rec.delivery[0])
}

func TestWebhook_SecretMismatchIsAcknowledged(t *testing.T) {
	r, rec := newEngine("s3cret")

	w := post(r, "/webhooks/avatar", "application/json", `{"id":"job-1","status":"done"}`, map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, rec.renders)

	post(r, "/webhooks/avatar?secret=s3cret", "application/json", `{"id":"job-1","status":"done"}`, nil)
	assert.Len(t, rec.renders, 1)
}

func TestWebhook_MalformedIsSwallowed(t *testing.T) {
	r, rec := newEngine("")

	for _, body := range []string{"", "not json", `"string"`, `{"status":"done"}`} {
		w := post(r, "/webhooks/avatar", "application/json", body, nil)
		assert.Equal(t, http.StatusOK, w.Code, body)
		assert.JSONEq(t, `{"status":"success"}`, w.Body.String())
	}
	assert.Empty(t, rec.renders)
}
