// Package avatar is the HTTP client for the talking-head rendering service.
package avatar

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/provider"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

type Client struct {
	transport *provider.Transport
}

var _ provider.AvatarProvider = (*Client)(nil)

// NewClient authenticates every request with a basic API key header.
func NewClient(cfg provider.TransportConfig, apiKey string, log *logger.Logger, m *metrics.Metrics) *Client {
	cfg.Name = "avatar"
	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if apiKey != "" {
		headers["Authorization"] = "Basic " + apiKey
	}
	cfg.Headers = headers
	return &Client{transport: provider.NewTransport(cfg, log, m)}
}

type renderRequest struct {
	PresenterID string       `json:"presenter_id"`
	Script      renderScript `json:"script"`
	Config      renderConfig `json:"config"`
	Webhook     string       `json:"webhook,omitempty"`
}

type renderScript struct {
	Type  string `json:"type"`
	Input string `json:"input"`
}

type renderConfig struct {
	ResultFormat string `json:"result_format"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

type jobResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	ResultURL string    `json:"result_url"`
	Error     *jobError `json:"error"`
}

type jobError struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

func (c *Client) SubmitRender(ctx context.Context, req provider.RenderRequest) (string, error) {
	body := renderRequest{
		PresenterID: req.PersonaID,
		Script:      renderScript{Type: "text", Input: req.Script},
		Config:      renderConfig{ResultFormat: "mp4", Width: req.Width, Height: req.Height},
		Webhook:     req.WebhookURL,
	}
	var resp jobResponse
	if err := c.transport.Do(ctx, "submit_render", http.MethodPost, "/clips", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("avatar provider returned no job id")
	}
	return resp.ID, nil
}

func (c *Client) PollRender(ctx context.Context, jobID string) (provider.JobStatus, error) {
	var resp jobResponse
	if err := c.transport.Do(ctx, "poll_render", http.MethodGet, "/clips/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return provider.JobStatus{}, err
	}
	return resp.status(), nil
}

type translateRequest struct {
	SourceURL      string `json:"source_url"`
	TargetLanguage string `json:"target_language"`
}

func (c *Client) SubmitTranslate(ctx context.Context, sourceURL, targetLanguage string) (string, error) {
	var resp jobResponse
	body := translateRequest{SourceURL: sourceURL, TargetLanguage: targetLanguage}
	if err := c.transport.Do(ctx, "submit_translate", http.MethodPost, "/translations", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("avatar provider returned no translation id")
	}
	return resp.ID, nil
}

func (c *Client) PollTranslate(ctx context.Context, jobID string) (provider.JobStatus, error) {
	var resp jobResponse
	if err := c.transport.Do(ctx, "poll_translate", http.MethodGet, "/translations/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return provider.JobStatus{}, err
	}
	return resp.status(), nil
}

type presenter struct {
	PresenterID  string `json:"presenter_id"`
	Name         string `json:"name"`
	Gender       string `json:"gender"`
	ThumbnailURL string `json:"thumbnail_url"`
	PreviewURL   string `json:"preview_url"`
	IsPremium    bool   `json:"is_premium"`
}

func (c *Client) ListPersonas(ctx context.Context) ([]model.Persona, error) {
	var resp struct {
		Presenters []presenter `json:"presenters"`
	}
	if err := c.transport.Do(ctx, "list_personas", http.MethodGet, "/clips/presenters", nil, &resp); err != nil {
		return nil, err
	}
	personas := make([]model.Persona, 0, len(resp.Presenters))
	for _, p := range resp.Presenters {
		personas = append(personas, model.Persona{
			ID:           p.PresenterID,
			DisplayName:  p.Name,
			Gender:       p.Gender,
			ThumbnailURL: p.ThumbnailURL,
			PreviewURL:   p.PreviewURL,
			IsPremium:    p.IsPremium,
		})
	}
	return personas, nil
}

func (r jobResponse) status() provider.JobStatus {
	st := provider.JobStatus{State: provider.ParseJobState(r.Status), ResultURL: r.ResultURL}
	if r.Error != nil {
		st.Error = r.Error.Description
		if st.Error == "" {
			st.Error = r.Error.Kind
		}
	}
	if st.State == provider.JobFailed && st.Error == "" {
		st.Error = "render " + strings.ToLower(r.Status)
	}
	// A done job without a URL cannot complete an item.
	if st.State == provider.JobDone && st.ResultURL == "" {
		st.State = provider.JobFailed
		st.Error = "provider reported completion without a result url"
	}
	return st
}
