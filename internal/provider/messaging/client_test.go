package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/internal/provider"
	"github.com/jwalitptl/videocast-api/pkg/circuitbreaker"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(provider.TransportConfig{BaseURL: srv.URL}, "tok", logger.Nop(), metrics.NewUnregistered())
}

func TestSend_Accepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "+15550001", req.To)
		assert.Equal(t, "hi", req.Text)
		w.Write([]byte(`{"id":"wamid.1","status":"queued"}`))
	})

	res, err := c.Send(context.Background(), "+1 (555) 0001", "hi")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "wamid.1", res.MessageID)
	assert.Equal(t, "queued", res.Status)
}

func TestSend_RejectedByStatusCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"number not on network"}`))
	})

	res, err := c.Send(context.Background(), "+1", "hi")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "number not on network", res.Reason)
}

func TestSend_RejectedInBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sent":false,"message":"blocked"}`))
	})

	res, err := c.Send(context.Background(), "+1", "hi")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "blocked", res.Reason)
}

func TestSend_ServerErrorsTripBreaker(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 5; i++ {
		_, err := c.Send(context.Background(), "+1", "hi")
		require.Error(t, err)
		assert.False(t, provider.IsRejection(err))
	}
	_, err := c.Send(context.Background(), "+1", "hi")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestGetStatusAndCheck(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages/m1":
			w.Write([]byte(`{"id":"m1","status":"delivered"}`))
		case "/contacts/check":
			w.Write([]byte(`{"registered":true}`))
		default:
			http.NotFound(w, r)
		}
	})

	status, err := c.GetStatus(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "delivered", status)

	ok, err := c.CheckAddressRegistered(context.Background(), "+15550001")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "+15550001", NormalizeAddress(" +1 555-0001 "))
	assert.Equal(t, "4915550001", NormalizeAddress("(49) 1555.0001"))
	assert.Equal(t, "user@example.com", NormalizeAddress("user@example.com"))
}
