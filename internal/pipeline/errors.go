package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a stage failed.
type ErrorKind string

const (
	KindMissingConfig            ErrorKind = "missing_config"
	KindCandidateNotFound        ErrorKind = "candidate_not_found"
	KindMissingGeneratedContent  ErrorKind = "missing_generated_content"
	KindMissingMedia             ErrorKind = "missing_media"
	KindAlreadyPublished         ErrorKind = "already_published"
	KindUnknownJobType           ErrorKind = "unknown_job_type"
	KindUpstreamCollectorFailure ErrorKind = "upstream_collector_failure"
	KindUpstreamGeneratorFailure ErrorKind = "upstream_generator_failure"
	KindUpstreamFetchFailure     ErrorKind = "upstream_fetch_failure"
	KindUpstreamPublisherFailure ErrorKind = "upstream_publisher_failure"
	KindStoreFailure             ErrorKind = "store_failure"
)

var defaultMessages = map[ErrorKind]string{
	KindMissingConfig:            "Missing config",
	KindCandidateNotFound:        "Candidate not found",
	KindMissingGeneratedContent:  "Missing generated content",
	KindMissingMedia:             "Missing media_url (collector didn't provide media)",
	KindAlreadyPublished:         "Candidate already published",
	KindUnknownJobType:           "Unknown job type",
	KindUpstreamCollectorFailure: "Collector failed",
	KindUpstreamGeneratorFailure: "Content generation failed",
	KindUpstreamFetchFailure:     "Media download failed",
	KindUpstreamPublisherFailure: "Publish failed",
	KindStoreFailure:             "Store error",
}

// StageError is the failure value returned by pipeline stages. Its Error
// text is what ends up in a job's last_error.
type StageError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *StageError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessages[e.Kind]
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(kind ErrorKind, cause error) *StageError {
	return &StageError{Kind: kind, Err: cause}
}

func stageErrf(kind ErrorKind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewUnknownJobType reports a job whose type no stage handles.
func NewUnknownJobType(jobType string) error {
	return stageErrf(KindUnknownJobType, "Unknown job type: %s", jobType)
}

// KindOf returns the kind of the first StageError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
