package facebook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/models"
)

const postsJSON = `{"data":[
 {"id":"1_10","message":"hello","created_time":"2024-05-01T10:00:00+0000","permalink_url":"https://www.facebook.com/acme/posts/10",
  "likes":{"summary":{"total_count":10}},"comments":{"summary":{"total_count":2}},"shares":{"count":1},
  "attachments":{"data":[{"type":"photo","media":{"image":{"src":"https://cdn/p10.jpg"}}}]}},
 {"id":"1_11","likes":{"summary":{"total_count":1}},
  "attachments":{"data":[{"type":"video_inline","media":{"image":{"src":"https://cdn/thumb.jpg"},"source":"https://cdn/v11.mp4"}}]}}
]}`

func TestCollect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tok" {
			t.Errorf("missing token on %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/search":
			if r.URL.Query().Get("q") != "acme" {
				t.Errorf("unexpected query %q", r.URL.Query().Get("q"))
			}
			_, _ = io.WriteString(w, `{"data":[{"id":"1"}]}`)
		case "/1/posts":
			if r.URL.Query().Get("limit") != "25" {
				t.Errorf("unexpected limit %q", r.URL.Query().Get("limit"))
			}
			_, _ = io.WriteString(w, postsJSON)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, PageToken: "tok"})
	posts, err := c.Collect(context.Background(), "@acme", 25)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(posts))
	}
	p := posts[0]
	if p.Platform != models.PlatformFacebook || p.OriginalURL != "https://www.facebook.com/acme/posts/10" || p.Engagement != 21 {
		t.Fatalf("unexpected first post: %+v", p)
	}
	if p.MediaType != models.MediaPhoto || p.MediaURL != "https://cdn/p10.jpg" || p.PostedAt == nil {
		t.Fatalf("unexpected media on first post: %+v", p)
	}
	v := posts[1]
	if v.MediaType != models.MediaVideo || v.MediaURL != "https://cdn/v11.mp4" || v.OriginalURL != "https://facebook.com/1_11" {
		t.Fatalf("unexpected video post: %+v", v)
	}
}

func TestCollectNumericHandleSkipsSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/987/posts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	posts, err := New(Config{BaseURL: srv.URL, PageToken: "tok"}).Collect(context.Background(), "987", 5)
	if err != nil || len(posts) != 0 {
		t.Fatalf("unexpected result: %v %v", posts, err)
	}
}

func TestCollectWithoutTokenIsEmpty(t *testing.T) {
	posts, err := New(Config{BaseURL: "http://127.0.0.1:1"}).Collect(context.Background(), "acme", 5)
	if err != nil || posts != nil {
		t.Fatalf("expected empty result, got %v %v", posts, err)
	}
}

func TestCollectGraphError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid OAuth access token","type":"OAuthException","code":190}}`)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, PageToken: "tok"}).Collect(context.Background(), "acme", 5)
	if err == nil || !strings.Contains(err.Error(), "Invalid OAuth access token") {
		t.Fatalf("expected graph error, got %v", err)
	}
}

func TestPublishPhoto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/PAGE/photos" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("caption") != "hi\n\n#a" || r.FormValue("access_token") != "tok" {
			t.Errorf("unexpected form: %v", r.MultipartForm.Value)
		}
		f, _, err := r.FormFile("source")
		if err != nil {
			t.Errorf("missing file: %v", err)
		} else {
			b, _ := io.ReadAll(f)
			if string(b) != "jpeg" {
				t.Errorf("unexpected file %q", b)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"555","post_id":"PAGE_555"}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "m.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := New(Config{BaseURL: srv.URL, PageToken: "tok", PageID: "PAGE"})
	rec, err := c.Publish(context.Background(), capability.LocalMedia{Path: path, MediaType: models.MediaPhoto}, "hi\n\n#a")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if rec.RemotePostID != "PAGE_555" || rec.RemoteURL != "https://www.facebook.com/PAGE_555" {
		t.Fatalf("unexpected receipt: %+v", rec)
	}
}

func TestPublishVideoUsesVideosEdge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		if r.URL.Path != "/PAGE/videos" || r.FormValue("description") != "cap" {
			t.Errorf("unexpected video request %s %v", r.URL.Path, r.MultipartForm)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"v1"}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "m.mp4")
	_ = os.WriteFile(path, []byte("mp4"), 0o600)
	rec, err := New(Config{BaseURL: srv.URL, PageToken: "tok", PageID: "PAGE"}).
		Publish(context.Background(), capability.LocalMedia{Path: path, MediaType: models.MediaVideo}, "cap")
	if err != nil || rec.RemotePostID != "v1" {
		t.Fatalf("unexpected result: %+v %v", rec, err)
	}
}

func TestPublishNotConfigured(t *testing.T) {
	_, err := New(Config{}).Publish(context.Background(), capability.LocalMedia{}, "x")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestEngagement(t *testing.T) {
	if got := Engagement(10, 2, 1); got != 21 {
		t.Fatalf("Engagement = %d", got)
	}
}
