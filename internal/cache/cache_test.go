package cache

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"

	"media-alt-batcher/internal/cms"
	"media-alt-batcher/internal/config"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestCache(t *testing.T, cfg config.Config) *Cache {
	t.Helper()
	cfg.CacheDir = t.TempDir()
	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestResolveDownloadsAndResizes(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(pngBytes(t, 800, 400))
	}))
	defer srv.Close()

	c := newTestCache(t, config.Config{ThumbWidth: 200})
	asset := cms.Asset{ID: "a1", Filename: "wide.png", URL: srv.URL + "/wide.png"}

	path, err := c.Resolve(context.Background(), asset)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasSuffix(path, ".jpg") {
		t.Fatalf("thumbnails are always jpeg, got %s", path)
	}

	img, err := imaging.Open(path)
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	if got := img.Bounds().Dx(); got != 200 {
		t.Fatalf("expected width 200, got %d", got)
	}
	// Aspect ratio preserved: 800x400 -> 200x100.
	if got := img.Bounds().Dy(); got != 100 {
		t.Fatalf("expected height 100, got %d", got)
	}

	// Second resolve is a cache hit; the origin is not contacted again.
	again, err := c.Resolve(context.Background(), asset)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again != path {
		t.Fatalf("cache key unstable: %s vs %s", again, path)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected 1 download, got %d", n)
	}
}

func TestResolveKeepsSmallImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes(t, 100, 60))
	}))
	defer srv.Close()

	c := newTestCache(t, config.Config{ThumbWidth: 512})
	path, err := c.Resolve(context.Background(), cms.Asset{ID: "a1", URL: srv.URL + "/small.png"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	img, err := imaging.Open(path)
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	if img.Bounds().Dx() != 100 {
		t.Fatalf("small image must not be upscaled, got width %d", img.Bounds().Dx())
	}
}

func TestResolveRejectsMissingURL(t *testing.T) {
	c := newTestCache(t, config.Config{})
	if _, err := c.Resolve(context.Background(), cms.Asset{ID: "a1"}); err == nil {
		t.Fatal("expected error for asset without url")
	}
}

func TestResolveRejectsOversizedDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0xff}, 2*1024*1024))
	}))
	defer srv.Close()

	c := newTestCache(t, config.Config{MaxDownloadMB: 1})
	_, err := c.Resolve(context.Background(), cms.Asset{ID: "a1", URL: srv.URL + "/huge.bin"})
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size limit error, got %v", err)
	}
}

func TestResolveRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	c := newTestCache(t, config.Config{})
	if _, err := c.Resolve(context.Background(), cms.Asset{ID: "a1", URL: srv.URL + "/page"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestResolveSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestCache(t, config.Config{})
	_, err := c.Resolve(context.Background(), cms.Asset{ID: "a1", URL: srv.URL + "/gone.png"})
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestS3SourceWithoutClient(t *testing.T) {
	c := newTestCache(t, config.Config{})
	_, err := c.Resolve(context.Background(), cms.Asset{ID: "a1", URL: "s3://bucket/key.jpg"})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
