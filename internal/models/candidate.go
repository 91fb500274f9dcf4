package models

import (
	"fmt"
	"strings"
	"time"
)

// Platform is a social network a candidate is collected from and published to.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformInstagram, PlatformFacebook:
		return true
	}
	return false
}

// ParsePlatform accepts any casing of a known platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

// MediaType is the kind of media attached to a candidate.
type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
)

func (m MediaType) Valid() bool {
	switch m {
	case MediaPhoto, MediaVideo:
		return true
	}
	return false
}

// NormalizeMediaType maps unknown values to photo.
func NormalizeMediaType(s string) MediaType {
	if m := MediaType(strings.ToLower(strings.TrimSpace(s))); m.Valid() {
		return m
	}
	return MediaPhoto
}

// CandidateStatus tracks a candidate through the pipeline.
type CandidateStatus string

const (
	CandidateNew              CandidateStatus = "new"
	CandidateSelected         CandidateStatus = "selected"
	CandidateGenerated        CandidateStatus = "generated"
	CandidateAwaitingApproval CandidateStatus = "awaiting_approval"
	CandidateApproved         CandidateStatus = "approved"
	CandidatePublished        CandidateStatus = "published"
	CandidateFailed           CandidateStatus = "failed"
	CandidateSkipped          CandidateStatus = "skipped"
)

func (s CandidateStatus) Valid() bool {
	switch s {
	case CandidateNew, CandidateSelected, CandidateGenerated, CandidateAwaitingApproval,
		CandidateApproved, CandidatePublished, CandidateFailed, CandidateSkipped:
		return true
	}
	return false
}

// Selectable reports whether a candidate in status s may be picked by selection.
func (s CandidateStatus) Selectable() bool {
	switch s {
	case CandidateNew, CandidateSelected, CandidateFailed:
		return true
	case CandidateGenerated, CandidateAwaitingApproval, CandidateApproved, CandidatePublished, CandidateSkipped:
		return false
	}
	return false
}

// SelectableStatuses lists the statuses the selection query considers.
func SelectableStatuses() []CandidateStatus {
	return []CandidateStatus{CandidateNew, CandidateSelected, CandidateFailed}
}

// Candidate is a piece of source content considered for republishing.
// (WorkspaceID, Platform, OriginalURL) is unique.
type Candidate struct {
	ID              int64           `json:"id"`
	WorkspaceID     int64           `json:"workspace_id"`
	Platform        Platform        `json:"platform"`
	OriginalURL     string          `json:"original_url"`
	OriginalID      *string         `json:"original_id,omitempty"`
	CaptionRaw      *string         `json:"caption_raw,omitempty"`
	MediaType       MediaType       `json:"media_type"`
	MediaURL        *string         `json:"media_url,omitempty"`
	PostedAtSource  *time.Time      `json:"posted_at_source,omitempty"`
	EngagementScore int             `json:"engagement_score"`
	Status          CandidateStatus `json:"status"`
	IsPosted        bool            `json:"is_posted"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Caption returns the raw caption or an empty string.
func (c Candidate) Caption() string {
	if c.CaptionRaw == nil {
		return ""
	}
	return *c.CaptionRaw
}

// GeneratedContent holds the English copy generated for exactly one candidate.
type GeneratedContent struct {
	CandidateID int64     `json:"candidate_id"`
	Title       string    `json:"title"`
	Caption     string    `json:"caption"`
	Hashtags    []string  `json:"hashtags"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FinalCaption is the text sent to publishers: caption, blank line, hashtags.
func (g GeneratedContent) FinalCaption() string {
	return g.Caption + "\n\n" + strings.Join(g.Hashtags, " ")
}
