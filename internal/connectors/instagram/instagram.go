// Package instagram collects posts of public business accounts through
// business discovery and publishes with the content publishing API. The API
// only pulls media by URL, so local files are staged in object storage first.
package instagram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/config"
	"repost-pipeline/internal/connectors/graph"
	"repost-pipeline/internal/connectors/objectstore"
	"repost-pipeline/internal/logger"
	"repost-pipeline/internal/models"
)

// ErrNotConfigured is returned by Publish without credentials or staging storage.
var ErrNotConfigured = errors.New("instagram credentials or media storage not configured")

// Stager uploads a file where Instagram can fetch it.
type Stager interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Config holds the business account credentials.
type Config struct {
	BaseURL     string
	AccessToken string
	UserID      string
	Timeout     time.Duration
	// PollInterval and PollAttempts bound the wait for a video container.
	PollInterval time.Duration
	PollAttempts int
}

// FromAppConfig maps the INSTAGRAM_* settings.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		BaseURL:     cfg.GraphBaseURL,
		AccessToken: cfg.InstagramAccessToken,
		UserID:      cfg.InstagramUserID,
		Timeout:     cfg.MediaDownloadTimeout,
	}
}

// Client implements capability.SourceCollector and capability.Publisher.
type Client struct {
	http         *resty.Client
	baseURL      string
	token        string
	userID       string
	stager       Stager
	pollInterval time.Duration
	pollAttempts int
}

// New builds a client. stager may be nil, which disables publishing.
func New(cfg Config, stager Stager) *Client {
	interval := cfg.PollInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	attempts := cfg.PollAttempts
	if attempts == 0 {
		attempts = 60
	}
	return &Client{
		http:         graph.NewClient(cfg.Timeout),
		baseURL:      graph.BaseURL(cfg.BaseURL),
		token:        cfg.AccessToken,
		userID:       cfg.UserID,
		stager:       stager,
		pollInterval: interval,
		pollAttempts: attempts,
	}
}

type mediaItem struct {
	ID            string `json:"id"`
	Caption       string `json:"caption"`
	LikeCount     int    `json:"like_count"`
	CommentsCount int    `json:"comments_count"`
	MediaType     string `json:"media_type"`
	MediaURL      string `json:"media_url"`
	ThumbnailURL  string `json:"thumbnail_url"`
	Permalink     string `json:"permalink"`
	Timestamp     string `json:"timestamp"`
}

type discoveryResponse struct {
	BusinessDiscovery struct {
		Media struct {
			Data []mediaItem `json:"data"`
		} `json:"media"`
	} `json:"business_discovery"`
}

// Collect lists recent media of the account named by handle. Without
// credentials it returns nothing.
func (c *Client) Collect(ctx context.Context, handle string, limit int) ([]capability.RawPost, error) {
	if c.token == "" || c.userID == "" {
		return nil, nil
	}
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	fields := fmt.Sprintf("business_discovery.username(%s){media.limit(%d){id,caption,like_count,comments_count,media_type,media_url,thumbnail_url,permalink,timestamp}}", handle, limit)

	var (
		out  discoveryResponse
		gerr graph.ErrorEnvelope
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"fields": fields, "access_token": c.token}).
		SetResult(&out).
		SetError(&gerr).
		Get(c.baseURL + "/" + c.userID)
	if err := graph.Check("business discovery", resp, err, &gerr); err != nil {
		return nil, err
	}

	items := out.BusinessDiscovery.Media.Data
	posts := make([]capability.RawPost, 0, len(items))
	for _, m := range items {
		posts = append(posts, toRawPost(m))
	}
	return posts, nil
}

func toRawPost(m mediaItem) capability.RawPost {
	rp := capability.RawPost{
		Platform:    models.PlatformInstagram,
		OriginalURL: m.Permalink,
		OriginalID:  m.ID,
		Caption:     m.Caption,
		MediaType:   models.MediaPhoto,
		MediaURL:    m.MediaURL,
		Engagement:  Engagement(m.LikeCount, m.CommentsCount),
	}
	switch strings.ToUpper(m.MediaType) {
	case "VIDEO", "REELS":
		rp.MediaType = models.MediaVideo
	}
	if rp.MediaType == models.MediaPhoto && rp.MediaURL == "" {
		rp.MediaURL = m.ThumbnailURL
	}
	if t, err := time.Parse("2006-01-02T15:04:05-0700", m.Timestamp); err == nil {
		rp.PostedAt = &t
	}
	return rp
}

// Engagement weighs a comment three times a like.
func Engagement(likes, comments int) int {
	return likes + 3*comments
}

// Publish stages the file, creates a media container, waits for video
// processing and publishes the container.
func (c *Client) Publish(ctx context.Context, media capability.LocalMedia, caption string) (capability.PublishReceipt, error) {
	if c.token == "" || c.userID == "" || c.stager == nil {
		return capability.PublishReceipt{}, ErrNotConfigured
	}

	key := objectstore.NewKey("instagram", media.Path)
	publicURL, err := c.stage(ctx, key, media)
	if err != nil {
		return capability.PublishReceipt{}, err
	}
	defer func() {
		if err := c.stager.Delete(context.WithoutCancel(ctx), key); err != nil {
			logger.FromContext(ctx).WithError(err).WithField("key", key).Warn("delete staged media")
		}
	}()

	form := map[string]string{"caption": caption, "access_token": c.token}
	if media.MediaType == models.MediaVideo {
		form["media_type"] = "REELS"
		form["video_url"] = publicURL
	} else {
		form["image_url"] = publicURL
	}
	creationID, err := c.postForID(ctx, "create media container", "/"+c.userID+"/media", form)
	if err != nil {
		return capability.PublishReceipt{}, err
	}

	if media.MediaType == models.MediaVideo {
		if err := c.waitReady(ctx, creationID); err != nil {
			return capability.PublishReceipt{}, err
		}
	}

	mediaID, err := c.postForID(ctx, "publish media", "/"+c.userID+"/media_publish", map[string]string{
		"creation_id":  creationID,
		"access_token": c.token,
	})
	if err != nil {
		return capability.PublishReceipt{}, err
	}
	return capability.PublishReceipt{RemotePostID: mediaID, RemoteURL: c.permalink(ctx, mediaID)}, nil
}

func (c *Client) stage(ctx context.Context, key string, media capability.LocalMedia) (string, error) {
	f, err := os.Open(media.Path)
	if err != nil {
		return "", fmt.Errorf("open media: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat media: %w", err)
	}
	contentType := media.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := c.stager.Upload(ctx, key, f, info.Size(), contentType)
	if err != nil {
		return "", fmt.Errorf("stage media: %w", err)
	}
	return url, nil
}

func (c *Client) postForID(ctx context.Context, op, path string, form map[string]string) (string, error) {
	var (
		out struct {
			ID string `json:"id"`
		}
		gerr graph.ErrorEnvelope
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&out).
		SetError(&gerr).
		Post(c.baseURL + path)
	if err := graph.Check(op, resp, err, &gerr); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%s: response without id", op)
	}
	return out.ID, nil
}

// waitReady polls a container until its status_code is FINISHED.
func (c *Client) waitReady(ctx context.Context, creationID string) error {
	for i := 0; i < c.pollAttempts; i++ {
		var (
			out struct {
				StatusCode string `json:"status_code"`
			}
			gerr graph.ErrorEnvelope
		)
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"fields": "status_code", "access_token": c.token}).
			SetResult(&out).
			SetError(&gerr).
			Get(c.baseURL + "/" + creationID)
		if err := graph.Check("container status", resp, err, &gerr); err != nil {
			return err
		}
		switch out.StatusCode {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED":
			return fmt.Errorf("media container %s: %s", creationID, out.StatusCode)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return fmt.Errorf("media container %s not ready after %d checks", creationID, c.pollAttempts)
}

// permalink looks up the public URL of a published post. Failures yield "".
func (c *Client) permalink(ctx context.Context, mediaID string) string {
	var out struct {
		Permalink string `json:"permalink"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"fields": "permalink", "access_token": c.token}).
		SetResult(&out).
		Get(c.baseURL + "/" + mediaID)
	if err != nil || resp.IsError() {
		return ""
	}
	return out.Permalink
}
