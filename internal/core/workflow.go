package core

// workflow.go implements the upload/process/download state machine.
//
// A Workflow owns exactly one user's interaction: the selected file, the
// current stage, the last error and the live artifact handle. Intents are
// serialized under a mutex. The remote submission runs on its own goroutine
// and is the only point where the workflow waits on the outside world.
//
// Every submission carries an attempt number. Reset, a new selection and
// Close all advance the attempt, so a response that arrives for an older
// attempt is dropped without touching state or publishing an artifact.

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrWorkflowClosed is returned by intents issued after Close.
var ErrWorkflowClosed = errors.New("workflow closed")

// MsgTransferFailed is shown for every failed submission.
const MsgTransferFailed = "Failed to process file. Please try again."

// DefaultArtifactName is the suggested download name of the generated document.
const DefaultArtifactName = "Driver_Paperwork_Summary.xlsx"

// WorkflowDeps are the collaborators of a Workflow.
type WorkflowDeps struct {
	ID        string // Optional; a uuid is generated when empty
	Validator Validator
	Submitter Submitter
	Publisher Publisher
	Audit     AuditSink    // Optional; defaults to NopAuditSink
	Logger    *slog.Logger // Optional; defaults to slog.Default()
}

// Intents reports which user actions are enabled in a stage.
type Intents struct {
	Select  bool `json:"select"`
	Analyze bool `json:"analyze"`
	Reset   bool `json:"reset"`
}

// AllowedIntents derives the enabled actions from the stage alone.
func AllowedIntents(stage Stage) Intents {
	switch stage {
	case StageIdle:
		return Intents{Select: true}
	case StageFileSelected, StageFailed:
		return Intents{Select: true, Analyze: true, Reset: true}
	case StageSubmitting, StageSucceeded:
		return Intents{Select: true, Reset: true}
	default:
		return Intents{}
	}
}

// Workflow is a single upload/process/download interaction.
type Workflow struct {
	id        string
	validator Validator
	submitter Submitter
	publisher Publisher
	audit     AuditSink
	logger    *slog.Logger

	mu           sync.Mutex
	stage        Stage
	file         *SourceFile
	errInfo      *ErrorInfo
	handle       HandleRef
	artifactName string
	attempt      uint64
	version      uint64
	closed       bool
	inflight     map[uint64]context.CancelFunc
	listeners    map[int]func(Snapshot)
	nextListener int

	// notifyMu keeps listener deliveries in version order.
	notifyMu sync.Mutex
}

// NewWorkflow creates a workflow in the idle stage.
func NewWorkflow(deps WorkflowDeps) *Workflow {
	id := deps.ID
	if id == "" {
		id = uuid.New().String()
	}
	audit := deps.Audit
	if audit == nil {
		audit = NopAuditSink{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Workflow{
		id:        id,
		validator: deps.Validator,
		submitter: deps.Submitter,
		publisher: deps.Publisher,
		audit:     audit,
		logger:    logger.With("workflow_id", id),
		stage:     StageIdle,
		inflight:  make(map[uint64]context.CancelFunc),
		listeners: make(map[int]func(Snapshot)),
	}
}

// ID returns the workflow identifier.
func (w *Workflow) ID() string {
	return w.id
}

// Snapshot returns the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs synchronously and must not call back into the workflow.
// The returned function removes the subscription.
func (w *Workflow) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextListener
	w.nextListener++
	w.listeners[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.listeners, id)
			w.mu.Unlock()
		})
	}
}

// SelectFile replaces whatever the workflow holds with a new candidate file.
// It is accepted in every stage: the previous error, file and artifact
// handle are discarded and any in-flight submission is abandoned before the
// candidate is validated. On rejection the workflow is idle and the returned
// error is an *ErrorInfo of kind ErrInvalidType.
func (w *Workflow) SelectFile(ctx context.Context, name, mediaType string, data []byte) error {
	candidate := SourceFile{Name: name, MediaType: mediaType, Data: data}.clone()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWorkflowClosed
	}

	w.clearLocked()

	valid, err := w.validator.Validate(candidate)
	if err != nil {
		var info *ErrorInfo
		if !errors.As(err, &info) {
			info = &ErrorInfo{Kind: ErrInvalidType, Message: MsgInvalidType, Cause: err}
		}
		w.errInfo = info
		w.notifyAndUnlock()

		w.logger.Info("file rejected", "file", name, "media_type", mediaType)
		w.record(ctx, ActionSelectRejected, 0, candidate, info.Message)
		return info
	}

	w.file = &valid
	w.stage = StageFileSelected
	w.notifyAndUnlock()

	w.logger.Info("file selected", "file", name, "bytes", valid.Size())
	w.record(ctx, ActionSelect, 0, valid, "")
	return nil
}

// Analyze submits the retained file. It is enabled in the file_selected and
// failed stages; anywhere else, including while a submission is already in
// flight, it does nothing.
//
// The returned channel is closed once the attempt has been applied or
// discarded. For a no-op the channel is already closed.
func (w *Workflow) Analyze(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	w.mu.Lock()
	if w.closed || w.file == nil || !AllowedIntents(w.stage).Analyze {
		w.mu.Unlock()
		close(done)
		return done
	}

	w.attempt++
	attempt := w.attempt
	file := *w.file
	w.stage = StageSubmitting
	w.errInfo = nil

	// The submission outlives the request that triggered it. Only Close
	// cancels it.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.inflight[attempt] = cancel
	w.notifyAndUnlock()

	w.logger.Info("submission started", "attempt", attempt, "file", file.Name)
	w.record(ctx, ActionSubmit, attempt, file, "")

	go func() {
		defer close(done)
		defer cancel()

		artifact, err := w.submitter.Submit(subCtx, file)
		w.complete(subCtx, attempt, file, artifact, err)
	}()

	return done
}

// Reset returns the workflow to idle, releasing the live handle and
// clearing the file and error. A submission still in flight is not aborted;
// its result is discarded when it arrives.
func (w *Workflow) Reset(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWorkflowClosed
	}

	prev := w.stage
	hadState := prev != StageIdle || w.errInfo != nil
	w.clearLocked()
	if !hadState {
		w.mu.Unlock()
		return nil
	}
	w.notifyAndUnlock()

	w.logger.Info("workflow reset", "from", prev)
	w.record(ctx, ActionReset, 0, SourceFile{}, string(prev))
	return nil
}

// Close tears the workflow down: the live handle is released, in-flight
// submissions are cancelled and their results discarded, and listeners are
// dropped. Close is idempotent.
func (w *Workflow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.clearLocked()
	for attempt, cancel := range w.inflight {
		cancel()
		delete(w.inflight, attempt)
	}
	w.listeners = make(map[int]func(Snapshot))

	w.logger.Debug("workflow closed")
}

// complete applies the outcome of a submission if it is still current.
func (w *Workflow) complete(ctx context.Context, attempt uint64, file SourceFile, artifact Artifact, err error) {
	w.mu.Lock()
	delete(w.inflight, attempt)

	if w.closed || attempt != w.attempt || w.stage != StageSubmitting {
		w.mu.Unlock()
		w.logger.Debug("discarding stale submission result", "attempt", attempt, "error", err)
		return
	}

	if err != nil {
		info := transferError(err)
		w.stage = StageFailed
		w.errInfo = info
		w.notifyAndUnlock()

		w.logger.Warn("submission failed", "attempt", attempt, "error", err)
		w.record(ctx, ActionSubmitFailed, attempt, file, err.Error())
		return
	}

	if artifact.Name == "" {
		artifact.Name = DefaultArtifactName
	}
	w.handle = w.publisher.Publish(artifact)
	w.artifactName = artifact.Name
	w.stage = StageSucceeded
	w.notifyAndUnlock()

	w.logger.Info("submission succeeded", "attempt", attempt, "artifact", artifact.Name, "bytes", artifact.Size())
	w.record(ctx, ActionSubmitSucceeded, attempt, file, "")
}

// clearLocked releases the live handle, abandons any in-flight attempt and
// returns to an empty idle state.
func (w *Workflow) clearLocked() {
	if w.handle != "" {
		w.publisher.Release(w.handle)
	}
	w.attempt++
	w.stage = StageIdle
	w.file = nil
	w.errInfo = nil
	w.handle = ""
	w.artifactName = ""
}

func (w *Workflow) snapshotLocked() Snapshot {
	snap := Snapshot{
		WorkflowID:   w.id,
		Version:      w.version,
		Stage:        w.stage,
		ArtifactName: w.artifactName,
		Handle:       w.handle,
	}
	if w.errInfo != nil {
		e := *w.errInfo
		snap.Error = &e
	}
	if w.file != nil {
		snap.FileName = w.file.Name
	}
	return snap
}

// notifyAndUnlock bumps the version, releases w.mu and delivers the new
// snapshot to all listeners. Must be called with w.mu held.
func (w *Workflow) notifyAndUnlock() {
	w.version++
	snap := w.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(w.listeners))
	for _, fn := range w.listeners {
		listeners = append(listeners, fn)
	}

	w.notifyMu.Lock()
	w.mu.Unlock()
	defer w.notifyMu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// record writes an audit entry. Audit failures are logged only.
func (w *Workflow) record(ctx context.Context, action AuditAction, attempt uint64, file SourceFile, reason string) {
	entry := newAuditEntry(ctx, w.id, action)
	entry.Attempt = attempt
	entry.FileName = file.Name
	entry.MediaType = file.MediaType
	entry.Bytes = file.Size()
	entry.Reason = reason

	if err := w.audit.Record(ctx, entry); err != nil {
		w.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

// transferError maps any submission error to a TransferFailed ErrorInfo.
func transferError(err error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) && info.Kind == ErrTransferFailed {
		return info
	}
	return &ErrorInfo{Kind: ErrTransferFailed, Message: MsgTransferFailed, Cause: err}
}
