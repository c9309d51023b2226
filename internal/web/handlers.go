package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/JonMunkholm/paperwork/internal/artifact"
	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/JonMunkholm/paperwork/internal/logging"
	"github.com/go-chi/chi/v5"
)

// formField is the multipart field carrying the selected file.
const formField = "file"

// maxMemory is how much of a multipart form is buffered in memory before
// spilling to temporary files.
const maxMemory = 32 << 20

var errNoFile = errors.New("no file provided")

// stateResponse is the JSON view of a workflow.
type stateResponse struct {
	core.Snapshot
	Intents     core.Intents `json:"intents"`
	DownloadURL string       `json:"downloadUrl,omitempty"`
}

func newStateResponse(snap core.Snapshot) stateResponse {
	resp := stateResponse{
		Snapshot: snap,
		Intents:  core.AllowedIntents(snap.Stage),
	}
	if snap.Handle != "" {
		resp.DownloadURL = downloadURL(snap.Handle)
	}
	return resp
}

func downloadURL(ref core.HandleRef) string {
	return "/artifacts/" + url.PathEscape(string(ref))
}

// handleIndex renders the page for the session's current state.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page(newStateResponse(sess.Workflow.Snapshot())).Render(r.Context(), w); err != nil {
		logging.FromContext(r.Context()).Error("render page", "error", err)
	}
}

// handleState returns the session's snapshot and enabled intents.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, newStateResponse(sess.Workflow.Snapshot()))
}

// handleSelect reads the uploaded file and hands it to the workflow.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFrom(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize)

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.respondError(w, r, fmt.Errorf("file too large: %w", err), http.StatusRequestEntityTooLarge)
			return
		}
		s.respondError(w, r, fmt.Errorf("%w: %v", errNoFile, err), http.StatusBadRequest)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(formField)
	if err != nil {
		s.respondError(w, r, errNoFile, http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("read upload: %w", err), http.StatusBadRequest)
		return
	}

	// The declared type is whatever the client put on the part.
	mediaType := header.Header.Get("Content-Type")

	err = sess.Workflow.SelectFile(ctx, header.Filename, mediaType, data)
	if err != nil {
		var info *core.ErrorInfo
		if errors.As(err, &info) && !wantsJSON(r) {
			// The page shows the rejection from the snapshot.
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		status := http.StatusUnprocessableEntity
		if errors.Is(err, core.ErrWorkflowClosed) {
			status = http.StatusGone
		}
		s.respondError(w, r, err, status)
		return
	}

	s.respondState(w, r)
}

// handleAnalyze starts a submission. JSON clients get the submitting state
// immediately unless they pass wait=1; form posts always wait so the
// redirected page shows the outcome.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFrom(ctx)

	done := sess.Workflow.Analyze(ctx)

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait || !wantsJSON(r) {
		select {
		case <-done:
		case <-ctx.Done():
			// The client went away; the submission keeps running.
			return
		}
	}

	s.respondState(w, r)
}

// handleReset returns the session's workflow to idle.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	if err := sess.Workflow.Reset(r.Context()); err != nil {
		s.respondError(w, r, err, http.StatusGone)
		return
	}

	s.respondState(w, r)
}

// handleArtifact streams the generated document. Only the session's live
// handle resolves; released or foreign handles are not found.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	ref := core.HandleRef(chi.URLParam(r, "handle"))

	if ref == "" || !sess.Artifacts.Owns(ref) {
		s.respondError(w, r, artifact.ErrHandleNotFound, http.StatusNotFound)
		return
	}

	a, err := s.store.Resolve(ref)
	if err != nil {
		s.respondError(w, r, err, http.StatusNotFound)
		return
	}

	mediaType := a.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, a.Name))
	w.Header().Set("Content-Length", strconv.Itoa(a.Size()))
	w.Header().Set("Cache-Control", "no-store")

	if _, err := w.Write(a.Data); err != nil {
		logging.FromContext(r.Context()).Warn("artifact download interrupted", "handle", ref, "error", err)
	}
}

// handleHealth reports liveness and submission capacity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"sessions":  s.sessions.Len(),
		"artifacts": s.store.Len(),
	}
	if s.limiter != nil {
		resp["uploads"] = s.limiter.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// respondState writes the current snapshot as JSON, or redirects form posts
// back to the page.
func (s *Server) respondState(w http.ResponseWriter, r *http.Request) {
	if !wantsJSON(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(sessionFrom(r.Context()).Workflow.Snapshot()))
}
