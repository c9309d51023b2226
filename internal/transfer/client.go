// Package transfer sends a selected file to the remote processing service.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/JonMunkholm/paperwork/internal/logging"
)

// DefaultEndpoint is the remote processing endpoint.
const DefaultEndpoint = "https://iloveitf-backend.onrender.com/api/process"

// DefaultFormField is the multipart field carrying the file.
const DefaultFormField = "file"

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Endpoint     string
	FormField    string
	ArtifactName string
	HTTPClient   *http.Client       // Default: a client with no timeout
	Limiter      *core.UploadLimiter // Optional process-wide cap on submissions
}

// Client performs one multipart POST per submission. It satisfies core.Submitter.
type Client struct {
	endpoint     string
	formField    string
	artifactName string
	http         *http.Client
	limiter      *core.UploadLimiter
}

// NewClient creates a transfer client.
func NewClient(opts Options) *Client {
	c := &Client{
		endpoint:     opts.Endpoint,
		formField:    opts.FormField,
		artifactName: opts.ArtifactName,
		http:         opts.HTTPClient,
		limiter:      opts.Limiter,
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
	}
	if c.formField == "" {
		c.formField = DefaultFormField
	}
	if c.artifactName == "" {
		c.artifactName = core.DefaultArtifactName
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// Submit posts file and returns the response body as the artifact.
//
// There is a single attempt and no retry. Any failure, whether building the
// request, reaching the server, a non-2xx status or reading the body, is
// returned as an *core.ErrorInfo of kind ErrTransferFailed wrapping the cause.
func (c *Client) Submit(ctx context.Context, file core.SourceFile) (core.Artifact, error) {
	logger := logging.WithFields(ctx, "endpoint", c.endpoint, "file", file.Name)

	var artifact core.Artifact
	run := func(ctx context.Context) error {
		var err error
		artifact, err = c.exchange(ctx, file)
		return err
	}

	var err error
	if c.limiter != nil {
		err = c.limiter.Do(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		logger.Warn("transfer failed", "error", err)
		return core.Artifact{}, failed(err)
	}

	logger.Debug("transfer complete", "bytes", artifact.Size())
	return artifact, nil
}

// exchange performs the HTTP round trip.
func (c *Client) exchange(ctx context.Context, file core.SourceFile) (core.Artifact, error) {
	body, contentType, err := c.encode(file)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("encode multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return core.Artifact{}, &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("read response body: %w", err)
	}

	return core.Artifact{
		Name:      c.artifactName,
		MediaType: resp.Header.Get("Content-Type"),
		Data:      data,
	}, nil
}

// encode builds the multipart body with a single file part.
func (c *Client) encode(file core.SourceFile) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(c.formField), escapeQuotes(file.Name)))
	if file.MediaType != "" {
		h.Set("Content-Type", file.MediaType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// StatusError reports a non-2xx response from the processing service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("processing service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func failed(err error) *core.ErrorInfo {
	return &core.ErrorInfo{
		Kind:    core.ErrTransferFailed,
		Message: core.MsgTransferFailed,
		Cause:   err,
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

var _ core.Submitter = (*Client)(nil)
