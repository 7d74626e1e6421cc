package avatar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/internal/provider"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(provider.TransportConfig{BaseURL: srv.URL}, "key123", logger.Nop(), metrics.NewUnregistered())
}

func TestSubmitRender(t *testing.T) {
	var got renderRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/clips", r.URL.Path)
		assert.Equal(t, "Basic key123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"clp_1","status":"created"}`))
	})

	id, err := c.SubmitRender(context.Background(), provider.RenderRequest{
		PersonaID: "amy", Script: "Hello Ann", Width: 720, Height: 1280,
	})
	require.NoError(t, err)
	assert.Equal(t, "clp_1", id)
	assert.Equal(t, "amy", got.PresenterID)
	assert.Equal(t, "Hello Ann", got.Script.Input)
	assert.Equal(t, 1280, got.Config.Height)
}

func TestSubmitRender_RejectionIsRecognizable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"kind":"ValidationError","description":"invalid persona"}`))
	})

	_, err := c.SubmitRender(context.Background(), provider.RenderRequest{PersonaID: "x", Script: "y"})
	require.Error(t, err)
	assert.True(t, provider.IsRejection(err))
	assert.Equal(t, "invalid persona", provider.ErrorMessage(err))
}

func TestPollRender(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		state provider.JobState
		url   string
		msg   string
	}{
		{"running", `{"id":"j","status":"started"}`, provider.JobRunning, "", ""},
		{"done", `{"id":"j","status":"done","result_url":"https://cdn/v.mp4"}`, provider.JobDone, "https://cdn/v.mp4", ""},
		{"done without url", `{"id":"j","status":"done"}`, provider.JobFailed, "", "provider reported completion without a result url"},
		{"error", `{"id":"j","status":"error","error":{"kind":"X","description":"face not detected"}}`, provider.JobFailed, "", "face not detected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/clips/j", r.URL.Path)
				w.Write([]byte(tt.body))
			})
			st, err := c.PollRender(context.Background(), "j")
			require.NoError(t, err)
			assert.Equal(t, tt.state, st.State)
			assert.Equal(t, tt.url, st.ResultURL)
			assert.Equal(t, tt.msg, st.Error)
		})
	}
}

func TestTranslate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /translations":
			var req translateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "es", req.TargetLanguage)
			w.Write([]byte(`{"id":"tr_1"}`))
		case "GET /translations/tr_1":
			w.Write([]byte(`{"id":"tr_1","status":"completed","result_url":"https://cdn/es.mp4"}`))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	id, err := c.SubmitTranslate(context.Background(), "https://cdn/en.mp4", "es")
	require.NoError(t, err)
	st, err := c.PollTranslate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, provider.JobDone, st.State)
	assert.Equal(t, "https://cdn/es.mp4", st.ResultURL)
}

func TestListPersonas(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"presenters":[{"presenter_id":"amy","name":"Amy","gender":"female","is_premium":true}]}`))
	})

	personas, err := c.ListPersonas(context.Background())
	require.NoError(t, err)
	require.Len(t, personas, 1)
	assert.Equal(t, "amy", personas[0].ID)
	assert.Equal(t, "Amy", personas[0].DisplayName)
	assert.True(t, personas[0].IsPremium)
}
