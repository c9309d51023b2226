package web

import (
	"context"
	"io"

	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/a-h/templ"
)

// stageLabels are the status lines shown for each stage.
var stageLabels = map[core.Stage]string{
	core.StageIdle:         "Select a CSV file to begin.",
	core.StageFileSelected: "Ready to analyze.",
	core.StageSubmitting:   "Processing your file...",
	core.StageSucceeded:    "Your paperwork summary is ready.",
	core.StageFailed:       "Processing failed.",
}

// page renders the single-page UI for a workflow state. Controls are
// disabled according to the allowed intents.
func page(st stateResponse) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b builder
		b.raw(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		b.raw(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		if st.Stage == core.StageSubmitting {
			// Another request owns the submission; poll until it resolves.
			b.raw(`<meta http-equiv="refresh" content="2">`)
		}
		b.raw(`<title>Driver Paperwork</title>`)
		b.raw(`<style>body{font-family:sans-serif;max-width:40rem;margin:3rem auto}.error{color:#b00020}form{display:inline-block;margin-right:.5rem}</style>`)
		b.raw(`</head><body><h1>Driver Paperwork</h1>`)

		b.raw(`<p class="status" data-stage="`)
		b.text(string(st.Stage))
		b.raw(`">`)
		b.text(stageLabels[st.Stage])
		b.raw(`</p>`)

		if st.FileName != "" {
			b.raw(`<p class="file">Selected: `)
			b.text(st.FileName)
			b.raw(`</p>`)
		}
		if st.Error != nil {
			b.raw(`<p class="error" role="alert">`)
			b.text(st.Error.Message)
			b.raw(`</p>`)
		}

		b.raw(`<form method="post" action="/select" enctype="multipart/form-data">`)
		b.raw(`<input type="file" name="file" accept=".csv,text/csv"`)
		b.disabled(!st.Intents.Select)
		b.raw(`><button type="submit"`)
		b.disabled(!st.Intents.Select)
		b.raw(`>Select</button></form>`)

		b.raw(`<form method="post" action="/analyze"><button type="submit"`)
		b.disabled(!st.Intents.Analyze)
		b.raw(`>Analyze</button></form>`)

		b.raw(`<form method="post" action="/reset"><button type="submit"`)
		b.disabled(!st.Intents.Reset)
		b.raw(`>Reset</button></form>`)

		if st.DownloadURL != "" {
			b.raw(`<p><a class="download" href="`)
			b.text(st.DownloadURL)
			b.raw(`" download="`)
			b.text(st.ArtifactName)
			b.raw(`">Download `)
			b.text(st.ArtifactName)
			b.raw(`</a></p>`)
		}

		b.raw(`</body></html>`)
		return b.flush(w)
	})
}

// errorAlert renders an error fragment for HTMX requests.
func errorAlert(msg core.UserMessage) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b builder
		b.raw(`<div class="error" role="alert"><p>`)
		b.text(msg.Message)
		b.raw(`</p>`)
		if msg.Action != "" {
			b.raw(`<p>`)
			b.text(msg.Action)
			b.raw(`</p>`)
		}
		b.raw(`<small>Code: `)
		b.text(msg.Code)
		b.raw(`</small></div>`)
		return b.flush(w)
	})
}

// builder accumulates markup, escaping all dynamic text.
type builder struct {
	buf []byte
}

func (b *builder) raw(s string) {
	b.buf = append(b.buf, s...)
}

func (b *builder) text(s string) {
	b.buf = append(b.buf, templ.EscapeString(s)...)
}

func (b *builder) disabled(off bool) {
	if off {
		b.raw(` disabled`)
	}
}

func (b *builder) flush(w io.Writer) error {
	_, err := w.Write(b.buf)
	return err
}
