package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// RenderEvent is the avatar provider's job callback after alias folding.
type RenderEvent struct {
	JobID     string `mapstructure:"job_id"`
	Status    string `mapstructure:"status"`
	ResultURL string `mapstructure:"result_url"`
}

// DeliveryEvent is one messaging provider status report after alias folding.
type DeliveryEvent struct {
	MessageID string `mapstructure:"message_id"`
	Status    string `mapstructure:"status"`
	Timestamp string `mapstructure:"timestamp"`
}

// Providers disagree on field names; the first alias present wins.
var (
	renderAliases = map[string][]string{
		"job_id":     {"id", "jobId", "job_id", "talk_id"},
		"status":     {"status"},
		"result_url": {"result_url", "resultUrl", "url"},
	}
	deliveryAliases = map[string][]string{
		"message_id": {"id", "messageId", "message_id"},
		"status":     {"status", "state", "message_status"},
		"timestamp":  {"timestamp", "updated_at", "date"},
	}
)

// readRecords parses a JSON or form body into flat records. A JSON body may
// be a single object, an array, or an object holding either under "data".
func readRecords(r *http.Request, maxBytes int64) ([]map[string]interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		return []map[string]interface{}{formRecord(values)}, nil
	case "multipart/form-data":
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return nil, fmt.Errorf("parse multipart form: %w", err)
		}
		return []map[string]interface{}{formRecord(r.MultipartForm.Value)}, nil
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if obj, ok := doc.(map[string]interface{}); ok {
		if data, ok := obj["data"]; ok {
			doc = data
		}
	}
	return records(doc)
}

func records(doc interface{}) ([]map[string]interface{}, error) {
	switch v := doc.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}, nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, el := range v {
			if m, ok := el.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected payload shape %T", doc)
	}
}

func formRecord(values map[string][]string) map[string]interface{} {
	rec := make(map[string]interface{}, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			rec[k] = vs[0]
		}
	}
	return rec
}

// fold picks the first non-empty alias for every canonical key.
func fold(rec map[string]interface{}, aliases map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(aliases))
	for canonical, names := range aliases {
		for _, name := range names {
			v, ok := rec[name]
			if !ok || v == nil {
				continue
			}
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			out[canonical] = v
			break
		}
	}
	return out
}

// decode folds aliases and weakly decodes into out, so numeric ids and unix
// timestamps arrive as strings.
func decode(rec map[string]interface{}, aliases map[string][]string, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(fold(rec, aliases))
}
