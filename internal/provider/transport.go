package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/videocast-api/pkg/circuitbreaker"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

const maxErrorBody = 4 << 10

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Code, e.Body)
}

// Rejected reports whether the provider refused the request itself rather
// than failing to process it.
func (e *StatusError) Rejected() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// IsRejection reports whether err is a provider-side refusal.
func IsRejection(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Rejected()
}

type TransportConfig struct {
	Name    string
	BaseURL string
	Timeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Headers   map[string]string
}

// Transport is the JSON-over-HTTP client shared by provider clients. Every
// call is rate limited, traced, measured and run through a breaker that only
// counts transport errors and 5xx responses.
type Transport struct {
	name    string
	baseURL string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	tracer  trace.Tracer
	metrics *metrics.Metrics
	logger  *logger.Logger
}

func NewTransport(cfg TransportConfig, log *logger.Logger, m *metrics.Metrics) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	l := log.With("provider." + cfg.Name)
	return &Transport{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			OnStateChange: func(name, from, to string) {
				l.Warn("Provider circuit breaker state changed", "breaker", name, "from", from, "to", to)
			},
		}),
		tracer:  otel.Tracer("videocast/provider"),
		metrics: m,
		logger:  l,
	}
}

// Do sends in as JSON (when non-nil) and decodes a 2xx body into out (when
// non-nil).
func (t *Transport) Do(ctx context.Context, operation, method, path string, in, out interface{}) (err error) {
	ctx, span := t.tracer.Start(ctx, t.name+"."+operation, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", t.name),
			attribute.String("http.method", method),
		))
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if t.metrics != nil {
			t.metrics.ProviderRequests.WithLabelValues(t.name, operation, status).Inc()
			t.metrics.ProviderLatency.WithLabelValues(t.name, operation).Observe(time.Since(start).Seconds())
		}
	}()

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %w", t.name, err)
	}

	var payload []byte
	if in != nil {
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
	}

	var (
		code int
		body []byte
	)
	err = t.breaker.Execute(func() error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		code = resp.StatusCode
		if body, err = io.ReadAll(resp.Body); err != nil {
			return err
		}
		if code >= 500 || code == http.StatusTooManyRequests {
			return t.statusError(code, body)
		}
		return nil
	})
	span.SetAttributes(attribute.Int("http.status_code", code))
	if err != nil {
		return err
	}
	if code < 200 || code > 299 {
		return t.statusError(code, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", operation, err)
	}
	return nil
}

func (t *Transport) statusError(code int, body []byte) *StatusError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &StatusError{Provider: t.name, Code: code, Body: extractMessage(body)}
}

// extractMessage pulls a human readable message out of common error bodies.
func extractMessage(body []byte) string {
	var shaped struct {
		Message     string          `json:"message"`
		Error       json.RawMessage `json:"error"`
		Description string          `json:"description"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		if shaped.Message != "" {
			return shaped.Message
		}
		if shaped.Description != "" {
			return shaped.Description
		}
		if len(shaped.Error) > 0 {
			var s string
			if json.Unmarshal(shaped.Error, &s) == nil && s != "" {
				return s
			}
			var nested struct {
				Message     string `json:"message"`
				Description string `json:"description"`
			}
			if json.Unmarshal(shaped.Error, &nested) == nil {
				if nested.Message != "" {
					return nested.Message
				}
				if nested.Description != "" {
					return nested.Description
				}
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// ErrorMessage renders err for storage on an item.
func ErrorMessage(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Body != "" {
			return se.Body
		}
		return se.Provider + " returned status " + strconv.Itoa(se.Code)
	}
	return err.Error()
}
