package internalerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common cases
var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidInput             = errors.New("invalid input")
	ErrInvalidConfig            = errors.New("invalid configuration")
	ErrConflict                 = errors.New("conditional write conflict")
	ErrCollaboratorUnavailable  = errors.New("collaborator unavailable")
	ErrAmbiguousCluster         = errors.New("ambiguous cluster match")
	ErrInconsistentClusterState = errors.New("inconsistent cluster state")
)

// ConfigurationError reports a bad keyword or threshold configuration.
// It is fatal at load time and never produced per document.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfig }

// Configf builds a ConfigurationError for field.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CollaboratorUnavailable wraps a timeout or failure of an external
// collaborator (semantic oracle, guardrail, cluster store, vector index).
type CollaboratorUnavailable struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailable) Unwrap() []error {
	return []error{ErrCollaboratorUnavailable, e.Err}
}

// Unavailable wraps err as a CollaboratorUnavailable for name.
func Unavailable(name string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorUnavailable{Collaborator: name, Err: err}
}

// ClusterCandidate names one side of an ambiguous cluster match.
type ClusterCandidate struct {
	ClusterID  string
	Confidence float64
	Tier       string
}

// AmbiguousClusterMatch records a document that matched more than one
// existing cluster. The document joins Winner; the value is kept for audit
// and never fails processing.
type AmbiguousClusterMatch struct {
	Winner   ClusterCandidate
	RunnerUp ClusterCandidate
}

func (e *AmbiguousClusterMatch) Error() string {
	return fmt.Sprintf("ambiguous cluster match: %s (%.3f) over %s (%.3f)",
		e.Winner.ClusterID, e.Winner.Confidence, e.RunnerUp.ClusterID, e.RunnerUp.Confidence)
}

func (e *AmbiguousClusterMatch) Unwrap() error { return ErrAmbiguousCluster }

// InconsistentClusterState is returned when a conditional join kept losing
// races after all retries. It is retryable for that single document.
type InconsistentClusterState struct {
	Partitions []string
	Attempts   int
}

func (e *InconsistentClusterState) Error() string {
	return fmt.Sprintf("inconsistent cluster state after %d attempts on %s",
		e.Attempts, strings.Join(e.Partitions, ","))
}

func (e *InconsistentClusterState) Unwrap() error { return ErrInconsistentClusterState }

// IsRetryable reports whether the document that produced err may simply be
// processed again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInconsistentClusterState) ||
		errors.Is(err, ErrCollaboratorUnavailable) ||
		errors.Is(err, ErrConflict)
}
