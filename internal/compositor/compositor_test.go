package compositor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/pkg/logger"
)

type fakeStore struct {
	uploaded map[string][]byte
}

func (f *fakeStore) UploadFile(_ context.Context, key, path, _ string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.uploaded[key] = data
	return nil
}

func (f *fakeStore) PresignGet(_ context.Context, key string) (string, error) {
	return "https://s3.local/" + key + "?sig=x", nil
}

func newTestCompositor(t *testing.T, run Runner) (*Compositor, *fakeStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clip.mp4":
			w.Write([]byte("clip"))
		case "/office.jpg":
			w.Write([]byte("img"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	store := &fakeStore{uploaded: map[string][]byte{}}
	c, err := New(Config{WorkDir: t.TempDir()}, store, logger.Nop())
	require.NoError(t, err)
	c.run = run
	return c, store, srv
}

func TestComposite_UploadsFFmpegOutput(t *testing.T) {
	var gotArgs []string
	c, store, srv := newTestCompositor(t, func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, os.WriteFile(args[len(args)-1], []byte("composited"), 0o644)
	})
	id := uuid.New()

	url, err := c.Composite(context.Background(), id, srv.URL+"/clip.mp4", srv.URL+"/office.jpg")
	require.NoError(t, err)

	key := "composites/" + id.String() + ".mp4"
	assert.Equal(t, "https://s3.local/"+key+"?sig=x", url)
	assert.Equal(t, []byte("composited"), store.uploaded[key])
	assert.Contains(t, gotArgs, "-loop")
}

func TestComposite_FFmpegFailureSurfaces(t *testing.T) {
	c, store, srv := newTestCompositor(t, func(context.Context, string, ...string) ([]byte, error) {
		return []byte("frame=0\nInvalid data found when processing input"), errors.New("exit status 1")
	})

	_, err := c.Composite(context.Background(), uuid.New(), srv.URL+"/clip.mp4", srv.URL+"/office.jpg")
	assert.ErrorContains(t, err, "Invalid data found")
	assert.Empty(t, store.uploaded)
}

func TestComposite_MissingBackground(t *testing.T) {
	c, _, srv := newTestCompositor(t, func(context.Context, string, ...string) ([]byte, error) {
		t.Fatal("ffmpeg must not run")
		return nil, nil
	})

	_, err := c.Composite(context.Background(), uuid.New(), srv.URL+"/clip.mp4", srv.URL+"/missing.png")
	assert.ErrorContains(t, err, "failed to fetch background")
}

func TestBackgroundExt(t *testing.T) {
	assert.Equal(t, ".jpg", backgroundExt("https://x/y/office.JPG?v=2"))
	assert.Equal(t, ".mp4", backgroundExt("/srv/bg/loop.mp4"))
	assert.Equal(t, ".png", backgroundExt("https://x/bg"))
	assert.False(t, isImage("loop.mp4"))
}
