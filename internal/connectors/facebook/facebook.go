// Package facebook collects posts from public pages and publishes to the
// configured page through the Graph API.
package facebook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/config"
	"repost-pipeline/internal/connectors/graph"
	"repost-pipeline/internal/models"
)

// ErrNotConfigured is returned by Publish without a page token and id.
var ErrNotConfigured = errors.New("facebook page token/page id not configured")

const postFields = "id,message,created_time,permalink_url,shares.summary(true)," +
	"likes.summary(true),comments.summary(true),attachments"

// Config holds page credentials.
type Config struct {
	BaseURL   string
	PageToken string
	PageID    string
	Timeout   time.Duration
}

// FromAppConfig maps the FACEBOOK_* settings.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		BaseURL:   cfg.GraphBaseURL,
		PageToken: cfg.FacebookPageToken,
		PageID:    cfg.FacebookPageID,
		Timeout:   cfg.MediaDownloadTimeout,
	}
}

// Client implements both capability.SourceCollector and capability.Publisher.
type Client struct {
	http    *resty.Client
	baseURL string
	token   string
	pageID  string
}

func New(cfg Config) *Client {
	return &Client{
		http:    graph.NewClient(cfg.Timeout),
		baseURL: graph.BaseURL(cfg.BaseURL),
		token:   cfg.PageToken,
		pageID:  cfg.PageID,
	}
}

type summary struct {
	Summary struct {
		TotalCount int `json:"total_count"`
	} `json:"summary"`
}

type post struct {
	ID           string `json:"id"`
	Message      string `json:"message"`
	CreatedTime  string `json:"created_time"`
	PermalinkURL string `json:"permalink_url"`
	Shares       struct {
		Count int `json:"count"`
	} `json:"shares"`
	Likes       summary `json:"likes"`
	Comments    summary `json:"comments"`
	Attachments struct {
		Data []struct {
			Type  string `json:"type"`
			Media struct {
				Image struct {
					Src string `json:"src"`
				} `json:"image"`
				Source string `json:"source"`
			} `json:"media"`
		} `json:"data"`
	} `json:"attachments"`
}

// Collect lists recent posts of the page named by handle. Without a page
// token it returns nothing.
func (c *Client) Collect(ctx context.Context, handle string, limit int) ([]capability.RawPost, error) {
	if c.token == "" {
		return nil, nil
	}
	pageID, err := c.resolvePage(ctx, handle)
	if err != nil || pageID == "" {
		return nil, err
	}

	var (
		out struct {
			Data []post `json:"data"`
		}
		gerr graph.ErrorEnvelope
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fields":       postFields,
			"limit":        fmt.Sprint(limit),
			"access_token": c.token,
		}).
		SetResult(&out).
		SetError(&gerr).
		Get(c.baseURL + "/" + pageID + "/posts")
	if err := graph.Check("list page posts", resp, err, &gerr); err != nil {
		return nil, err
	}

	posts := make([]capability.RawPost, 0, len(out.Data))
	for _, p := range out.Data {
		posts = append(posts, toRawPost(p))
	}
	return posts, nil
}

// resolvePage maps a handle to a page id. Numeric handles are ids already.
func (c *Client) resolvePage(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return "", nil
	}
	if strings.Trim(handle, "0123456789") == "" {
		return handle, nil
	}
	var (
		out struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		gerr graph.ErrorEnvelope
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"type":         "page",
			"q":            handle,
			"access_token": c.token,
		}).
		SetResult(&out).
		SetError(&gerr).
		Get(c.baseURL + "/search")
	if err := graph.Check("search page", resp, err, &gerr); err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", nil
	}
	return out.Data[0].ID, nil
}

func toRawPost(p post) capability.RawPost {
	rp := capability.RawPost{
		Platform:    models.PlatformFacebook,
		OriginalURL: p.PermalinkURL,
		OriginalID:  p.ID,
		Caption:     p.Message,
		MediaType:   models.MediaPhoto,
		Engagement:  Engagement(p.Likes.Summary.TotalCount, p.Comments.Summary.TotalCount, p.Shares.Count),
	}
	if rp.OriginalURL == "" {
		rp.OriginalURL = "https://facebook.com/" + p.ID
	}
	if t, err := time.Parse("2006-01-02T15:04:05-0700", p.CreatedTime); err == nil {
		rp.PostedAt = &t
	}
	if len(p.Attachments.Data) > 0 {
		a := p.Attachments.Data[0]
		rp.MediaURL = a.Media.Image.Src
		if strings.Contains(strings.ToLower(a.Type), "video") {
			rp.MediaType = models.MediaVideo
			if a.Media.Source != "" {
				rp.MediaURL = a.Media.Source
			}
		}
	}
	return rp
}

// Engagement weighs comments three times and shares five times a like.
func Engagement(likes, comments, shares int) int {
	return likes + 3*comments + 5*shares
}

// Publish uploads a photo or video to the configured page.
func (c *Client) Publish(ctx context.Context, media capability.LocalMedia, caption string) (capability.PublishReceipt, error) {
	if c.token == "" || c.pageID == "" {
		return capability.PublishReceipt{}, ErrNotConfigured
	}

	endpoint, captionField := "/photos", "caption"
	if media.MediaType == models.MediaVideo {
		endpoint, captionField = "/videos", "description"
	}

	var (
		out struct {
			ID     string `json:"id"`
			PostID string `json:"post_id"`
		}
		gerr graph.ErrorEnvelope
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			captionField:   caption,
			"access_token": c.token,
		}).
		SetFile("source", media.Path).
		SetResult(&out).
		SetError(&gerr).
		Post(c.baseURL + "/" + c.pageID + endpoint)
	if err := graph.Check("facebook upload", resp, err, &gerr); err != nil {
		return capability.PublishReceipt{}, err
	}

	receipt := capability.PublishReceipt{RemotePostID: out.ID}
	if out.PostID != "" {
		receipt.RemotePostID = out.PostID
		receipt.RemoteURL = "https://www.facebook.com/" + out.PostID
	}
	return receipt, nil
}
