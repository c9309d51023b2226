package core

import (
	"context"
	"fmt"
)

// Stage is the single discriminant describing where a workflow currently is.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageFileSelected Stage = "file_selected"
	StageSubmitting   Stage = "submitting"
	StageSucceeded    Stage = "succeeded"
	StageFailed       Stage = "failed"
)

// SourceFile is the user's selected file: an opaque payload plus the
// declared media type and display name. It is never modified after selection.
type SourceFile struct {
	Name      string
	MediaType string
	Data      []byte
}

// Size returns the payload length in bytes.
func (f SourceFile) Size() int {
	return len(f.Data)
}

// clone returns a copy that does not share its payload with f.
func (f SourceFile) clone() SourceFile {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data
	return f
}

// Artifact is the generated document returned by the remote service.
type Artifact struct {
	Name      string // Suggested download file name
	MediaType string // Content type reported by the remote service
	Data      []byte
}

// Size returns the payload length in bytes.
func (a Artifact) Size() int {
	return len(a.Data)
}

// HandleRef is an opaque, revocable reference to a published artifact.
type HandleRef string

// ErrorKind classifies workflow errors.
type ErrorKind string

const (
	ErrInvalidType    ErrorKind = "invalid_type"
	ErrTransferFailed ErrorKind = "transfer_failed"
)

// ErrorInfo is a user-facing workflow error.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *ErrorInfo) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ErrorInfo) Unwrap() error {
	return e.Cause
}

// Snapshot is the state handed to the presentation layer on every change.
type Snapshot struct {
	WorkflowID   string     `json:"workflowId"`
	Version      uint64     `json:"version"`
	Stage        Stage      `json:"stage"`
	Error        *ErrorInfo `json:"error,omitempty"`
	FileName     string     `json:"fileName,omitempty"`
	ArtifactName string     `json:"artifactName,omitempty"`
	Handle       HandleRef  `json:"handle,omitempty"`
}

// Submitter performs a single request/response exchange with the remote
// processing endpoint.
type Submitter interface {
	Submit(ctx context.Context, file SourceFile) (Artifact, error)
}

// Publisher turns artifacts into downloadable handles. Implementations hold
// at most one live handle and release the previous one on Publish.
type Publisher interface {
	Publish(a Artifact) HandleRef
	Release(ref HandleRef)
}
