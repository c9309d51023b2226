package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// submitCall is one pending Submit awaiting a scripted response.
type submitCall struct {
	file  SourceFile
	reply chan submitReply
}

type submitReply struct {
	artifact Artifact
	err      error
}

// fakeSubmitter hands every call to the test through a channel so the test
// decides when and how each submission resolves.
type fakeSubmitter struct {
	calls chan submitCall
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{calls: make(chan submitCall, 8)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, file SourceFile) (Artifact, error) {
	call := submitCall{file: file, reply: make(chan submitReply, 1)}
	f.calls <- call
	select {
	case r := <-call.reply:
		return r.artifact, r.err
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	}
}

func (f *fakeSubmitter) next(t *testing.T) submitCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Submit call")
		return submitCall{}
	}
}

// fakePublisher tracks issued and released handles.
type fakePublisher struct {
	mu       sync.Mutex
	n        int
	live     map[HandleRef]Artifact
	released []HandleRef
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{live: make(map[HandleRef]Artifact)}
}

func (p *fakePublisher) Publish(a Artifact) HandleRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	ref := HandleRef(fmt.Sprintf("h%d", p.n))
	p.live[ref] = a
	return ref
}

func (p *fakePublisher) Release(ref HandleRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[ref]; ok {
		delete(p.live, ref)
		p.released = append(p.released, ref)
	}
}

func (p *fakePublisher) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *fakePublisher) resolve(ref HandleRef) (Artifact, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.live[ref]
	return a, ok
}

// recordingSink collects audit entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (s *recordingSink) Record(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) actions() []AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditAction, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Action
	}
	return out
}

func newTestWorkflow() (*Workflow, *fakeSubmitter, *fakePublisher) {
	sub := newFakeSubmitter()
	pub := newFakePublisher()
	w := NewWorkflow(WorkflowDeps{
		Validator: NewValidator(""),
		Submitter: sub,
		Publisher: pub,
	})
	return w, sub, pub
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for attempt to resolve")
	}
}

func TestWorkflow_SelectValidFile(t *testing.T) {
	w, _, _ := newTestWorkflow()
	ctx := context.Background()
	data := []byte("name,license\nAda,X1\n")

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", data))

	snap := w.Snapshot()
	assert.Equal(t, StageFileSelected, snap.Stage)
	assert.Equal(t, "drivers.csv", snap.FileName)
	assert.Nil(t, snap.Error)

	w.mu.Lock()
	held := *w.file
	w.mu.Unlock()
	assert.Equal(t, data, held.Data)

	// The workflow keeps its own copy.
	data[0] = 'X'
	assert.Equal(t, byte('n'), held.Data[0])
}

func TestWorkflow_SelectInvalidType(t *testing.T) {
	w, _, _ := newTestWorkflow()

	err := w.SelectFile(context.Background(), "report.pdf", "application/pdf", []byte("%PDF"))

	var info *ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, ErrInvalidType, info.Kind)

	snap := w.Snapshot()
	assert.Equal(t, StageIdle, snap.Stage)
	require.NotNil(t, snap.Error)
	assert.Equal(t, ErrInvalidType, snap.Error.Kind)
	assert.Empty(t, snap.FileName)
}

func TestWorkflow_SubmitSuccess(t *testing.T) {
	w, sub, pub := newTestWorkflow()
	ctx := context.Background()
	payload := []byte("PK\x03\x04 spreadsheet")

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a,b\n")))
	done := w.Analyze(ctx)

	call := sub.next(t)
	assert.Equal(t, StageSubmitting, w.Snapshot().Stage)
	assert.Equal(t, "drivers.csv", call.file.Name)

	call.reply <- submitReply{artifact: Artifact{Name: DefaultArtifactName, Data: payload}}
	waitDone(t, done)

	snap := w.Snapshot()
	assert.Equal(t, StageSucceeded, snap.Stage)
	assert.Equal(t, "Driver_Paperwork_Summary.xlsx", snap.ArtifactName)
	require.NotEmpty(t, snap.Handle)

	got, ok := pub.resolve(snap.Handle)
	require.True(t, ok)
	assert.Equal(t, payload, got.Data)
}

func TestWorkflow_SubmitFailureThenRetry(t *testing.T) {
	w, sub, _ := newTestWorkflow()
	ctx := context.Background()

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a,b\n")))
	done := w.Analyze(ctx)
	first := sub.next(t)
	first.reply <- submitReply{err: errors.New("remote returned 500")}
	waitDone(t, done)

	snap := w.Snapshot()
	assert.Equal(t, StageFailed, snap.Stage)
	require.NotNil(t, snap.Error)
	assert.Equal(t, ErrTransferFailed, snap.Error.Kind)
	assert.Equal(t, MsgTransferFailed, snap.Error.Message)
	assert.Equal(t, "drivers.csv", snap.FileName)

	done = w.Analyze(ctx)
	second := sub.next(t)
	assert.Equal(t, first.file, second.file)
	assert.Nil(t, w.Snapshot().Error)

	second.reply <- submitReply{artifact: Artifact{Data: []byte("ok")}}
	waitDone(t, done)
	assert.Equal(t, StageSucceeded, w.Snapshot().Stage)
	assert.Equal(t, DefaultArtifactName, w.Snapshot().ArtifactName)
}

func TestWorkflow_AnalyzeIsNoOpWhileSubmitting(t *testing.T) {
	w, sub, _ := newTestWorkflow()
	ctx := context.Background()

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a\n")))
	done := w.Analyze(ctx)
	call := sub.next(t)

	again := w.Analyze(ctx)
	select {
	case <-again:
	default:
		t.Fatal("second Analyze should return a closed channel")
	}
	assert.Len(t, sub.calls, 0)

	call.reply <- submitReply{artifact: Artifact{Data: []byte("x")}}
	waitDone(t, done)
}

func TestWorkflow_AnalyzeDisabledStages(t *testing.T) {
	w, sub, _ := newTestWorkflow()
	ctx := context.Background()

	// idle
	waitDone(t, w.Analyze(ctx))
	assert.Equal(t, StageIdle, w.Snapshot().Stage)

	// succeeded
	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a\n")))
	done := w.Analyze(ctx)
	sub.next(t).reply <- submitReply{artifact: Artifact{Data: []byte("x")}}
	waitDone(t, done)

	waitDone(t, w.Analyze(ctx))
	assert.Equal(t, StageSucceeded, w.Snapshot().Stage)
	assert.Len(t, sub.calls, 0)
}

func TestWorkflow_ResetFromEveryStage(t *testing.T) {
	ctx := context.Background()

	setups := map[string]func(t *testing.T, w *Workflow, sub *fakeSubmitter){
		"idle with error": func(t *testing.T, w *Workflow, _ *fakeSubmitter) {
			_ = w.SelectFile(ctx, "report.pdf", "application/pdf", nil)
		},
		"file selected": func(t *testing.T, w *Workflow, _ *fakeSubmitter) {
			require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
		},
		"succeeded": func(t *testing.T, w *Workflow, sub *fakeSubmitter) {
			require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
			done := w.Analyze(ctx)
			sub.next(t).reply <- submitReply{artifact: Artifact{Data: []byte("x")}}
			waitDone(t, done)
		},
		"failed": func(t *testing.T, w *Workflow, sub *fakeSubmitter) {
			require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
			done := w.Analyze(ctx)
			sub.next(t).reply <- submitReply{err: errors.New("boom")}
			waitDone(t, done)
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			w, sub, pub := newTestWorkflow()
			setup(t, w, sub)

			require.NoError(t, w.Reset(ctx))

			snap := w.Snapshot()
			assert.Equal(t, StageIdle, snap.Stage)
			assert.Empty(t, snap.FileName)
			assert.Nil(t, snap.Error)
			assert.Empty(t, snap.Handle)
			assert.Equal(t, 0, pub.liveCount())
		})
	}
}

func TestWorkflow_ResetDiscardsLateResponse(t *testing.T) {
	w, sub, pub := newTestWorkflow()
	ctx := context.Background()

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
	done := w.Analyze(ctx)
	call := sub.next(t)

	require.NoError(t, w.Reset(ctx))
	call.reply <- submitReply{artifact: Artifact{Data: []byte("late")}}
	waitDone(t, done)

	snap := w.Snapshot()
	assert.Equal(t, StageIdle, snap.Stage)
	assert.Empty(t, snap.Handle)
	assert.Equal(t, 0, pub.liveCount())
}

func TestWorkflow_ReselectDiscardsLateResponse(t *testing.T) {
	w, sub, pub := newTestWorkflow()
	ctx := context.Background()

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
	done := w.Analyze(ctx)
	call := sub.next(t)

	require.NoError(t, w.SelectFile(ctx, "fleet.csv", "text/csv", []byte("b")))
	call.reply <- submitReply{err: errors.New("late failure")}
	waitDone(t, done)

	snap := w.Snapshot()
	assert.Equal(t, StageFileSelected, snap.Stage)
	assert.Equal(t, "fleet.csv", snap.FileName)
	assert.Nil(t, snap.Error)
	assert.Equal(t, 0, pub.liveCount())
}

func TestWorkflow_ReselectReleasesHandle(t *testing.T) {
	w, sub, pub := newTestWorkflow()
	ctx := context.Background()

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
	done := w.Analyze(ctx)
	sub.next(t).reply <- submitReply{artifact: Artifact{Data: []byte("x")}}
	waitDone(t, done)
	first := w.Snapshot().Handle
	require.Equal(t, 1, pub.liveCount())

	err := w.SelectFile(ctx, "report.pdf", "application/pdf", nil)
	require.Error(t, err)

	assert.Equal(t, 0, pub.liveCount())
	assert.Contains(t, pub.released, first)
	assert.Equal(t, StageIdle, w.Snapshot().Stage)
}

func TestWorkflow_SubscribeReceivesOrderedSnapshots(t *testing.T) {
	w, sub, _ := newTestWorkflow()
	ctx := context.Background()

	var mu sync.Mutex
	var stages []Stage
	var versions []uint64
	unsubscribe := w.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, s.Stage)
		versions = append(versions, s.Version)
	})

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
	done := w.Analyze(ctx)
	sub.next(t).reply <- submitReply{artifact: Artifact{Data: []byte("x")}}
	waitDone(t, done)
	unsubscribe()
	require.NoError(t, w.Reset(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Stage{StageFileSelected, StageSubmitting, StageSucceeded}, stages)
	assert.Equal(t, []uint64{1, 2, 3}, versions)
}

func TestWorkflow_CloseReleasesAndCancels(t *testing.T) {
	w, sub, pub := newTestWorkflow()
	ctx := context.Background()

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
	done := w.Analyze(ctx)
	sub.next(t).reply <- submitReply{artifact: Artifact{Data: []byte("x")}}
	waitDone(t, done)

	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
	done = w.Analyze(ctx)
	sub.next(t) // never answered; Close cancels it

	w.Close()
	waitDone(t, done)

	assert.Equal(t, 0, pub.liveCount())
	assert.Equal(t, StageIdle, w.Snapshot().Stage)
	assert.ErrorIs(t, w.SelectFile(ctx, "drivers.csv", "text/csv", nil), ErrWorkflowClosed)
	assert.ErrorIs(t, w.Reset(ctx), ErrWorkflowClosed)

	w.Close()
}

func TestWorkflow_AuditTrail(t *testing.T) {
	sub := newFakeSubmitter()
	sink := &recordingSink{}
	w := NewWorkflow(WorkflowDeps{
		Validator: NewValidator(""),
		Submitter: sub,
		Publisher: newFakePublisher(),
		Audit:     sink,
	})
	ctx := ContextWithIPAddress(context.Background(), "10.0.0.7")

	_ = w.SelectFile(ctx, "report.pdf", "application/pdf", nil)
	require.NoError(t, w.SelectFile(ctx, "drivers.csv", "text/csv", []byte("a")))
	done := w.Analyze(ctx)
	sub.next(t).reply <- submitReply{err: errors.New("boom")}
	waitDone(t, done)
	require.NoError(t, w.Reset(ctx))

	assert.Equal(t, []AuditAction{
		ActionSelectRejected,
		ActionSelect,
		ActionSubmit,
		ActionSubmitFailed,
		ActionReset,
	}, sink.actions())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, e := range sink.entries {
		assert.Equal(t, "10.0.0.7", e.IPAddress)
		assert.Equal(t, w.ID(), e.WorkflowID)
	}
}

func TestAllowedIntents(t *testing.T) {
	tests := []struct {
		stage Stage
		want  Intents
	}{
		{StageIdle, Intents{Select: true}},
		{StageFileSelected, Intents{Select: true, Analyze: true, Reset: true}},
		{StageSubmitting, Intents{Select: true, Reset: true}},
		{StageSucceeded, Intents{Select: true, Reset: true}},
		{StageFailed, Intents{Select: true, Analyze: true, Reset: true}},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			assert.Equal(t, tt.want, AllowedIntents(tt.stage))
		})
	}
}
