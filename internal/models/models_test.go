package models

import "testing"

func TestJobStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobDone, false},
		{JobRunning, JobDone, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobQueued, false},
		{JobDone, JobRunning, false},
		{JobFailed, JobQueued, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestParseJobType(t *testing.T) {
	if _, err := ParseJobType("publish_one"); err != nil {
		t.Fatalf("parse publish_one: %v", err)
	}
	if _, err := ParseJobType("reindex"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestCandidateSelectable(t *testing.T) {
	for _, s := range SelectableStatuses() {
		if !s.Selectable() {
			t.Errorf("%s should be selectable", s)
		}
	}
	for _, s := range []CandidateStatus{CandidateAwaitingApproval, CandidateApproved, CandidatePublished, CandidateSkipped} {
		if s.Selectable() {
			t.Errorf("%s should not be selectable", s)
		}
	}
}

func TestFinalCaption(t *testing.T) {
	g := GeneratedContent{Caption: "Sunset vibes", Hashtags: []string{"#sun", "#beach"}}
	if got, want := g.FinalCaption(), "Sunset vibes\n\n#sun #beach"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNormalizeMediaType(t *testing.T) {
	if NormalizeMediaType("VIDEO") != MediaVideo {
		t.Fatalf("expected video")
	}
	if NormalizeMediaType("carousel") != MediaPhoto {
		t.Fatalf("expected photo fallback")
	}
}
