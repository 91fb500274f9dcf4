// Package media downloads candidate media into scratch files. Photos are
// re-encoded as JPEG no wider than the configured maximum so every
// publisher receives the same format.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	_ "image/gif"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/config"
	"repost-pipeline/internal/models"
)

const (
	defaultMaxBytes = 100 * 1024 * 1024
	jpegQuality     = 90
)

// Config controls downloads and photo normalisation.
type Config struct {
	Timeout    time.Duration
	MaxBytes   int64
	ScratchDir string
	MaxWidth   int
}

// FromAppConfig maps the MEDIA_* settings.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		Timeout:    cfg.MediaDownloadTimeout,
		MaxBytes:   cfg.MediaMaxBytes,
		ScratchDir: cfg.MediaScratchDir,
		MaxWidth:   cfg.MediaMaxWidth,
	}
}

// Fetcher implements capability.MediaFetcher over HTTP.
type Fetcher struct {
	client   *resty.Client
	dir      string
	maxBytes int64
	maxWidth int
}

func NewFetcher(cfg Config) *Fetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	dir := cfg.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	return &Fetcher{client: client, dir: dir, maxBytes: maxBytes, maxWidth: cfg.MaxWidth}
}

// Fetch downloads url into a new scratch file. The caller removes the file.
func (f *Fetcher) Fetch(ctx context.Context, url string, mediaType models.MediaType) (capability.LocalMedia, error) {
	data, contentType, err := f.download(ctx, url)
	if err != nil {
		return capability.LocalMedia{}, err
	}

	switch mediaType {
	case models.MediaVideo:
		if contentType == "" {
			contentType = "video/mp4"
		}
		path, err := f.write(".mp4", data)
		if err != nil {
			return capability.LocalMedia{}, err
		}
		return capability.LocalMedia{Path: path, MediaType: models.MediaVideo, ContentType: contentType}, nil
	case models.MediaPhoto:
		jpg, err := f.normalizePhoto(data)
		if err != nil {
			return capability.LocalMedia{}, err
		}
		path, err := f.write(".jpg", jpg)
		if err != nil {
			return capability.LocalMedia{}, err
		}
		return capability.LocalMedia{Path: path, MediaType: models.MediaPhoto, ContentType: "image/jpeg"}, nil
	}
	return capability.LocalMedia{}, fmt.Errorf("unsupported media type %q", mediaType)
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode())
	}

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("media too large (>%d bytes)", f.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", errors.New("media is empty")
	}
	return data, resp.Header().Get("Content-Type"), nil
}

func (f *Fetcher) normalizePhoto(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if f.maxWidth > 0 && img.Bounds().Dx() > f.maxWidth {
		img = imaging.Resize(img, f.maxWidth, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func (f *Fetcher) write(ext string, data []byte) (string, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	path := filepath.Join(f.dir, "media-"+uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	return path, nil
}
