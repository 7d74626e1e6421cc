// Package compositor lays a rendered avatar clip over a background with
// ffmpeg and publishes the result to object storage.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/videocast-api/pkg/logger"
)

// ObjectStore is the slice of internal/storage the compositor needs.
type ObjectStore interface {
	UploadFile(ctx context.Context, objectKey, path, contentType string) error
	PresignGet(ctx context.Context, objectKey string) (string, error)
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Config struct {
	FFmpegPath string
	WorkDir    string
	Timeout    time.Duration
}

type Compositor struct {
	cfg    Config
	store  ObjectStore
	client *http.Client
	run    Runner
	logger *logger.Logger
}

func New(cfg Config, store ObjectStore, log *logger.Logger) (*Compositor, error) {
	if store == nil {
		return nil, errors.New("compositor needs an object store")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create compositor work dir: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Compositor{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		run:    execRunner,
		logger: log.With("compositor"),
	}, nil
}

// Composite downloads videoURL and background, overlays them and returns a
// presigned URL of the uploaded result.
func (c *Compositor) Composite(ctx context.Context, itemID uuid.UUID, videoURL, background string) (string, error) {
	if videoURL == "" || background == "" {
		return "", errors.New("composite needs both a video and a background")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	dir, err := os.MkdirTemp(c.cfg.WorkDir, "composite-"+itemID.String()+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	fg := filepath.Join(dir, "foreground.mp4")
	if err := c.fetch(ctx, videoURL, fg); err != nil {
		return "", fmt.Errorf("failed to fetch rendered video: %w", err)
	}
	bg := filepath.Join(dir, "background"+backgroundExt(background))
	if err := c.fetch(ctx, background, bg); err != nil {
		return "", fmt.Errorf("failed to fetch background: %w", err)
	}

	out := filepath.Join(dir, "composite.mp4")
	if output, err := c.run(ctx, c.cfg.FFmpegPath, ffmpegArgs(bg, fg, out)...); err != nil {
		return "", fmt.Errorf("ffmpeg failed: %w: %s", err, lastLine(output))
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return "", errors.New("ffmpeg produced no output")
	}

	key := "composites/" + itemID.String() + ".mp4"
	if err := c.store.UploadFile(ctx, key, out, "video/mp4"); err != nil {
		return "", err
	}
	url, err := c.store.PresignGet(ctx, key)
	if err != nil {
		return "", err
	}
	c.logger.Info("Composited video", "item_id", itemID.String(), "object", key)
	return url, nil
}

func ffmpegArgs(background, foreground, out string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if isImage(background) {
		args = append(args, "-loop", "1")
	}
	return append(args,
		"-i", background,
		"-i", foreground,
		"-filter_complex",
		"[1:v]chromakey=0x00FF00:0.15:0.1[fg];[0:v][fg]scale2ref[bg][fgs];[bg][fgs]overlay=shortest=1,format=yuv420p[out]",
		"-map", "[out]",
		"-map", "1:a?",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-shortest",
		out,
	)
}

// fetch copies an http(s) URL or a local path to dst.
func (c *Compositor) fetch(ctx context.Context, src, dst string) error {
	var body io.ReadCloser
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		body = resp.Body
	} else {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		body = f
	}
	defer body.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func backgroundExt(src string) string {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	ext := strings.ToLower(filepath.Ext(src))
	if ext == "" || len(ext) > 5 {
		return ".png"
	}
	return ext
}

func isImage(src string) bool {
	switch backgroundExt(src) {
	case ".png", ".jpg", ".jpeg", ".webp", ".bmp":
		return true
	}
	return false
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return lines[len(lines)-1]
}
