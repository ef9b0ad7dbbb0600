// Package cache resolves remote media assets to local thumbnail files so
// the AI adapter never uploads full-resolution originals.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"media-alt-batcher/internal/cms"
	"media-alt-batcher/internal/config"
)

// Cache keys thumbnails by source URL under a directory. A hit short-
// circuits; a miss downloads the original, resizes it, and saves a JPEG.
type Cache struct {
	dir        string
	thumbWidth int
	maxBytes   int64
	httpClient *http.Client
	s3Client   *s3.Client
}

// New prepares the cache directory. The S3 client is only built when region
// configuration is present; plain HTTP sources never need it.
func New(ctx context.Context, cfg config.Config) (*Cache, error) {
	dir := cfg.CacheDir
	if dir == "" {
		dir = "./cache"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	width := cfg.ThumbWidth
	if width <= 0 {
		width = 512
	}
	maxBytes := cfg.MaxDownloadMB * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}

	c := &Cache{
		dir:        dir,
		thumbWidth: width,
		maxBytes:   maxBytes,
		httpClient: &http.Client{Timeout: timeout},
	}

	if cfg.S3Region != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.s3Client = client
	}
	return c, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Resolve returns the local thumbnail path for the asset, fetching and
// resizing on first use.
func (c *Cache) Resolve(ctx context.Context, asset cms.Asset) (string, error) {
	if asset.URL == "" {
		return "", fmt.Errorf("asset %s has no source url", asset.ID)
	}

	path := filepath.Join(c.dir, c.key(asset.URL))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	data, err := c.fetch(ctx, asset.URL)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", asset.Filename, err)
	}
	if img.Bounds().Dx() > c.thumbWidth {
		// Height 0 preserves aspect ratio.
		img = imaging.Resize(img, c.thumbWidth, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write thumbnail: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit thumbnail: %w", err)
	}
	return path, nil
}

// key derives the cache filename from the source URL.
func (c *Cache) key(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:16]) + ".jpg"
}

func (c *Cache) fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	if strings.HasPrefix(sourceURL, "s3://") {
		return c.fetchS3(ctx, sourceURL)
	}
	return c.fetchHTTP(ctx, sourceURL)
}

func (c *Cache) fetchHTTP(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download asset: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("asset too large (>%d bytes)", c.maxBytes)
	}
	return body, nil
}

func (c *Cache) fetchS3(ctx context.Context, sourceURL string) ([]byte, error) {
	if c.s3Client == nil {
		return nil, fmt.Errorf("s3 source %s requested but S3 is not configured", sourceURL)
	}
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse s3 url: %w", err)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("malformed s3 url %q", sourceURL)
	}

	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("asset too large (>%d bytes)", c.maxBytes)
	}
	return body, nil
}
