package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/videocast-api/internal/cache"
	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/sharelink"
	"github.com/jwalitptl/videocast-api/pkg/httputil"
	"github.com/jwalitptl/videocast-api/pkg/logger"
)

const fileSuffix = ".mp4"

// ArtifactCache is the part of the artifact cache the endpoint reads.
type ArtifactCache interface {
	EnsureCached(ctx context.Context, key, sourceURL string) (cache.Entry, bool, error)
}

// ItemReader loads items by id.
type ItemReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Item, error)
}

// TokenDecoder resolves share tokens.
type TokenDecoder interface {
	Decode(token string) (sharelink.Ref, error)
}

type Config struct {
	// FillTimeout bounds how long a viewer waits for a cache miss.
	FillTimeout time.Duration
	MaxAge      int
}

type Handler struct {
	links  TokenDecoder
	items  ItemReader
	cache  ArtifactCache
	cfg    Config
	logger *logger.Logger
}

func NewHandler(links TokenDecoder, items ItemReader, c ArtifactCache, cfg Config, log *logger.Logger) *Handler {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{links: links, items: items, cache: c, cfg: cfg, logger: log.With("stream")}
}

// Stream serves GET and HEAD /stream/{token}.mp4. Failures surface only as
// 404 for anything unresolvable, or 302 to the provider copy when the cache
// cannot be filled.
func (h *Handler) Stream(c *gin.Context) {
	file := c.Param("file")
	if !strings.HasSuffix(file, fileSuffix) {
		c.Status(http.StatusNotFound)
		return
	}
	ref, err := h.links.Decode(strings.TrimSuffix(file, fileSuffix))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	ctx := c.Request.Context()
	item, err := h.items.Get(ctx, ref.ItemID)
	if err != nil || item.BatchID != ref.BatchID || item.GenerationStatus != model.GenerationDone || item.ArtifactURL == "" {
		c.Status(http.StatusNotFound)
		return
	}

	key := sharelink.CacheKey(item.BatchID, item.ID)
	fillCtx, cancel := context.WithTimeout(ctx, h.cfg.FillTimeout)
	entry, _, err := h.cache.EnsureCached(fillCtx, key, item.ArtifactURL)
	cancel()
	if err != nil {
		h.logger.Warn("Cache fill failed, redirecting to provider", "item_id", item.ID.String(), "error", err.Error())
		c.Redirect(http.StatusFound, item.ArtifactURL)
		return
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		h.logger.Warn("Cached file vanished, redirecting to provider", "item_id", item.ID.String(), "error", err.Error())
		c.Redirect(http.StatusFound, item.ArtifactURL)
		return
	}
	defer f.Close()

	h.serve(c, f, entry.Size, item.ID)
}

func (h *Handler) serve(c *gin.Context, f *os.File, size int64, itemID uuid.UUID) {
	hdr := c.Writer.Header()
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Content-Type", "video/mp4")
	hdr.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", h.cfg.MaxAge))
	disposition := "inline"
	if d := strings.ToLower(c.Query("download")); d == "1" || d == "true" {
		disposition = "attachment"
	}
	hdr.Set("Content-Disposition", fmt.Sprintf(`%s; filename="%s.mp4"`, disposition, itemID))

	status := http.StatusOK
	start, length := int64(0), size
	if br, ok := httputil.ParseRange(c.GetHeader("Range"), size); ok {
		status = http.StatusPartialContent
		start, length = br.Start, br.Length
		hdr.Set("Content-Range", br.ContentRange(size))
	}
	hdr.Set("Content-Length", strconv.FormatInt(length, 10))
	c.Status(status)
	c.Writer.WriteHeaderNow()

	if c.Request.Method == http.MethodHead {
		return
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			h.logger.Error(err, "Failed to seek cached file", "item_id", itemID.String())
			return
		}
	}
	if _, err := io.CopyN(c.Writer, f, length); err != nil {
		// Viewers abort mid-stream all the time.
		h.logger.Debug("Stream ended early", "item_id", itemID.String(), "error", err.Error())
	}
}
