package main

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/timeline"
	"github.com/stretchr/testify/assert"
)

func TestRenderBody(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		contentType string
		contains    string
	}{
		{"empty", nil, "", "(empty body)"},
		{"binary", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}, "image/png", "binary body: image/png"},
		{"json pretty", []byte(`{"a":1}`), "application/json", "\"a\": 1"},
		{"plain", []byte("hello"), "text/plain", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, renderBody(tt.body, tt.contentType, true), tt.contains)
		})
	}
}

func TestRenderResult(t *testing.T) {
	var buf bytes.Buffer
	res := &engine.Result{
		Response: &engine.Response{
			Status:     404,
			StatusText: "Not Found",
			Proto:      "HTTP/1.1",
			Header:     http.Header{"X-B": {"2"}, "X-A": {"1"}},
			Body:       []byte("missing"),
		},
		Redirects: 2,
	}
	renderResult(&buf, res, true)
	out := buf.String()
	assert.Contains(t, out, "404 Not Found")
	assert.Contains(t, out, "2 redirect(s)")
	assert.Less(t, strings.Index(out, "X-A"), strings.Index(out, "X-B"))
	assert.Contains(t, out, "missing")
}

func TestRenderTimeline(t *testing.T) {
	tl := timeline.New()
	tl.Add(timeline.KindRequest, "GET https://example.com/")
	tl.Separator()
	tl.Error("boom")

	var buf bytes.Buffer
	renderTimeline(&buf, tl)
	out := buf.String()
	assert.Contains(t, out, "> GET https://example.com/")
	assert.Contains(t, out, "! boom")
	assert.Contains(t, out, "─")
}

func TestMaskAndSource(t *testing.T) {
	assert.Equal(t, "********", mask("short"))
	assert.Equal(t, "abcd…wxyz", mask("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "cache", source(true, 0))
	assert.Equal(t, "token endpoint (2 exchange(s))", source(false, 2))
}
