package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JonMunkholm/paperwork/internal/artifact"
	"github.com/JonMunkholm/paperwork/internal/config"
	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/JonMunkholm/paperwork/internal/session"
	"github.com/JonMunkholm/paperwork/internal/transfer"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const xlsxType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type harness struct {
	app    *httptest.Server
	client *http.Client
	store  *artifact.Store
	fail   atomic.Bool
}

func newHarness(t *testing.T, vars map[string]string) *harness {
	t.Helper()
	h := &harness{}

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", xlsxType)
		_, _ = w.Write([]byte("PK-summary"))
	}))
	t.Cleanup(remote.Close)

	env := map[string]string{
		"PROCESS_ENDPOINT_URL": remote.URL,
		"RATE_LIMIT_ENABLED":   "false",
	}
	for k, v := range vars {
		env[k] = v
	}
	cfg, err := config.LoadFrom(func(k string) string { return env[k] })
	require.NoError(t, err)

	h.store = artifact.NewStore()
	limiter := core.NewUploadLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime)
	registry := session.NewRegistry(session.Deps{
		Validator: core.NewValidator(cfg.Remote.AcceptedMediaType),
		Submitter: transfer.NewClient(transfer.Options{
			Endpoint: cfg.Remote.EndpointURL,
			Limiter:  limiter,
		}),
		Store: h.store,
	}, cfg.Session.IdleTTL)
	t.Cleanup(registry.CloseAll)

	srv := NewServer(Options{Config: cfg, Sessions: registry, Store: h.store, Limiter: limiter})
	h.app = httptest.NewServer(srv.Router())
	t.Cleanup(h.app.Close)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	h.client = &http.Client{Jar: jar}
	return h
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.app.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) selectFile(t *testing.T, name, mediaType, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part := textproto.MIMEHeader{}
	part.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	part.Set("Content-Type", mediaType)
	pw, err := mw.CreatePart(part)
	require.NoError(t, err)
	_, _ = pw.Write([]byte(content))
	require.NoError(t, mw.Close())

	return h.do(t, http.MethodPost, "/select", &buf, mw.FormDataContentType())
}

func decodeState(t *testing.T, resp *http.Response) stateResponse {
	t.Helper()
	var st stateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestState_NewSessionIsIdle(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/state", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := decodeState(t, resp)
	assert.Equal(t, core.StageIdle, st.Stage)
	assert.Equal(t, core.Intents{Select: true}, st.Intents)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "paperwork_session" {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "session cookie should be issued")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, st.WorkflowID, cookie.Value)
}

func TestSelectAnalyzeDownload(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.selectFile(t, "drivers.csv", "text/csv", "name,hours\nAna,8\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeState(t, resp)
	assert.Equal(t, core.StageFileSelected, st.Stage)
	assert.Equal(t, "drivers.csv", st.FileName)
	assert.True(t, st.Intents.Analyze)

	resp = h.do(t, http.MethodPost, "/analyze?wait=1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decodeState(t, resp)
	require.Equal(t, core.StageSucceeded, st.Stage)
	assert.Equal(t, core.DefaultArtifactName, st.ArtifactName)
	require.NotEmpty(t, st.DownloadURL)

	resp = h.do(t, http.MethodGet, st.DownloadURL, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, xlsxType, resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Driver_Paperwork_Summary.xlsx"`, resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "PK-summary", string(body))

	// Reset revokes the handle.
	resp = h.do(t, http.MethodPost, "/reset", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.StageIdle, decodeState(t, resp).Stage)
	assert.Equal(t, 0, h.store.Len())

	resp = h.do(t, http.MethodGet, st.DownloadURL, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ART001", decodeError(t, resp).Code)
}

func TestAnalyze_FailureThenRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.fail.Store(true)

	h.selectFile(t, "drivers.csv", "text/csv", "a,b\n")

	resp := h.do(t, http.MethodPost, "/analyze?wait=1", nil, "")
	st := decodeState(t, resp)
	require.Equal(t, core.StageFailed, st.Stage)
	require.NotNil(t, st.Error)
	assert.Equal(t, core.ErrTransferFailed, st.Error.Kind)
	assert.Equal(t, core.MsgTransferFailed, st.Error.Message)
	assert.Equal(t, "drivers.csv", st.FileName, "file is retained for retry")

	h.fail.Store(false)
	resp = h.do(t, http.MethodPost, "/analyze?wait=1", nil, "")
	assert.Equal(t, core.StageSucceeded, decodeState(t, resp).Stage)
}

func TestAnalyze_NoFileIsNoOp(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/analyze?wait=1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.StageIdle, decodeState(t, resp).Stage)
}

func TestSelect_RejectsNonCSV(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.selectFile(t, "report.pdf", "application/pdf", "%PDF-1.4")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	e := decodeError(t, resp)
	assert.Equal(t, "FILE002", e.Code)
	assert.Equal(t, core.MsgInvalidType, e.Message)

	resp = h.do(t, http.MethodGet, "/api/state", nil, "")
	st := decodeState(t, resp)
	assert.Equal(t, core.StageIdle, st.Stage)
	require.NotNil(t, st.Error)
	assert.Equal(t, core.ErrInvalidType, st.Error.Kind)
	assert.False(t, st.Intents.Analyze)
}

func TestSelect_MissingFile(t *testing.T) {
	h := newHarness(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "nothing attached"))
	require.NoError(t, mw.Close())

	resp := h.do(t, http.MethodPost, "/select", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "FILE004", decodeError(t, resp).Code)
}

func TestSelect_TooLarge(t *testing.T) {
	h := newHarness(t, map[string]string{"UPLOAD_MAX_FILE_SIZE": "64"})

	resp := h.selectFile(t, "drivers.csv", "text/csv", strings.Repeat("x", 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "FILE001", decodeError(t, resp).Code)
}

func TestArtifact_OtherSessionNotFound(t *testing.T) {
	h := newHarness(t, nil)

	h.selectFile(t, "drivers.csv", "text/csv", "a,b\n")
	st := decodeState(t, h.do(t, http.MethodPost, "/analyze?wait=1", nil, ""))
	require.NotEmpty(t, st.DownloadURL)

	// A fresh client gets its own session.
	req, err := http.NewRequest(http.MethodGet, h.app.URL+st.DownloadURL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIndex_RendersIntents(t *testing.T) {
	h := newHarness(t, nil)

	req, err := http.NewRequest(http.MethodGet, h.app.URL+"/", nil)
	require.NoError(t, err)
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	html := string(body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, html, `data-stage="idle"`)
	assert.Contains(t, html, `<form method="post" action="/analyze"><button type="submit" disabled>`)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uploads")
	assert.Empty(t, resp.Cookies(), "health checks do not create sessions")
}

func TestStream_PushesSnapshots(t *testing.T) {
	h := newHarness(t, nil)

	// Establish the session cookie.
	h.do(t, http.MethodGet, "/api/state", nil, "")

	wsURL := "ws" + strings.TrimPrefix(h.app.URL, "http") + "/ws/state"
	header := http.Header{}
	for _, c := range h.client.Jar.Cookies(mustURL(t, h.app.URL)) {
		header.Add("Cookie", c.Name+"="+c.Value)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	read := func() wsMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	assert.Equal(t, msgTypeState, first.Type)
	assert.Equal(t, core.StageIdle, first.Payload.Stage)

	h.selectFile(t, "drivers.csv", "text/csv", "a,b\n")

	next := read()
	assert.Equal(t, core.StageFileSelected, next.Payload.Stage)
	assert.Greater(t, next.Payload.Version, first.Payload.Version)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	defer rl.stop()

	assert.True(t, rl.allow("203.0.113.1"))
	assert.True(t, rl.allow("203.0.113.1"))
	assert.False(t, rl.allow("203.0.113.1"))
	assert.True(t, rl.allow("203.0.113.2"), "limits are per IP")
}

func TestRateLimiter_Middleware(t *testing.T) {
	h := newHarness(t, map[string]string{
		"RATE_LIMIT_ENABLED":             "true",
		"RATE_LIMIT_REQUESTS_PER_MINUTE": "1",
	})

	h.do(t, http.MethodGet, "/healthz", nil, "")
	resp := h.do(t, http.MethodGet, "/healthz", nil, "")

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE001", decodeError(t, resp).Code)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
