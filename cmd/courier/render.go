package main

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/timeline"
	"github.com/bytedance/sonic"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/gabriel-vasile/mimetype"
)

// Minimal color palette
var (
	dimColor    = lipgloss.Color("#6c6c6c")
	textColor   = lipgloss.Color("#e0e0e0")
	accentColor = lipgloss.Color("#7aa2f7")
	errorColor  = lipgloss.Color("#f7768e")
	okColor     = lipgloss.Color("#9ece6a")
	warnColor   = lipgloss.Color("#e0af68")
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(dimColor)
	textStyle   = lipgloss.NewStyle().Foreground(textColor)
	accentStyle = lipgloss.NewStyle().Foreground(accentColor)
	errorStyle  = lipgloss.NewStyle().Foreground(errorColor)
	okStyle     = lipgloss.NewStyle().Foreground(okColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor)
	headerStyle = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
)

func statusStyle(code int) lipgloss.Style {
	switch {
	case code >= 500:
		return errorStyle.Bold(true)
	case code >= 400:
		return warnStyle.Bold(true)
	case code >= 300:
		return accentStyle.Bold(true)
	default:
		return okStyle.Bold(true)
	}
}

// Timeline prefixes
var timelinePrefix = map[timeline.Kind]string{
	timeline.KindInfo:           "* ",
	timeline.KindTLS:            "* ",
	timeline.KindRequest:        "> ",
	timeline.KindRequestHeader:  "> ",
	timeline.KindRequestData:    "> ",
	timeline.KindResponse:       "< ",
	timeline.KindResponseHeader: "< ",
	timeline.KindError:          "! ",
}

func renderTimeline(w io.Writer, tl *timeline.Timeline) {
	if tl == nil {
		return
	}
	for _, e := range tl.Entries() {
		if e.Kind == timeline.KindSeparator {
			fmt.Fprintln(w, dimStyle.Render(strings.Repeat("─", 40)))
			continue
		}
		line := timelinePrefix[e.Kind] + e.Message
		switch e.Kind {
		case timeline.KindError:
			line = errorStyle.Render(line)
		case timeline.KindRequest, timeline.KindResponse:
			line = accentStyle.Render(line)
		case timeline.KindTLS:
			line = okStyle.Render(line)
		default:
			line = dimStyle.Render(line)
		}
		fmt.Fprintln(w, line)
	}
}

func renderResult(w io.Writer, res *engine.Result, raw bool) {
	resp := res.Response
	if resp == nil {
		return
	}
	status := fmt.Sprintf("%s %d %s", resp.Proto, resp.Status, resp.StatusText)
	fmt.Fprintln(w, statusStyle(resp.Status).Render(strings.TrimSpace(status)))

	meta := fmt.Sprintf("%s · %d bytes", resp.Duration.Round(time.Millisecond), resp.Size())
	if res.Redirects > 0 {
		meta += fmt.Sprintf(" · %d redirect(s)", res.Redirects)
	}
	fmt.Fprintln(w, dimStyle.Render(meta))
	fmt.Fprintln(w)

	renderHeaders(w, resp.Header)
	fmt.Fprintln(w)
	fmt.Fprintln(w, renderBody(resp.Body, resp.Header.Get("Content-Type"), raw))
}

func renderHeaders(w io.Writer, h http.Header) {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		for _, val := range h[k] {
			fmt.Fprintf(w, "%s %s\n", headerStyle.Render(k+":"), textStyle.Render(val))
		}
	}
}

// renderBody formats a response body for the terminal. JSON is
// pretty-printed and, unless raw, highlighted through glamour. Binary
// content is summarised.
func renderBody(body []byte, contentType string, raw bool) string {
	if len(body) == 0 {
		return dimStyle.Render("(empty body)")
	}

	mime := mimetype.Detect(body)
	if !isText(mime) {
		return dimStyle.Render(fmt.Sprintf("(binary body: %s, %d bytes)", mime.String(), len(body)))
	}

	lang := ""
	text := string(body)
	switch {
	case mime.Is("application/json") || strings.Contains(contentType, "json"):
		var v any
		if err := sonic.ConfigStd.Unmarshal(body, &v); err == nil {
			if pretty, err := sonic.ConfigStd.MarshalIndent(v, "", "  "); err == nil {
				text = string(pretty)
			}
		}
		lang = "json"
	case mime.Is("text/html"):
		lang = "html"
	case mime.Is("text/xml") || mime.Is("application/xml"):
		lang = "xml"
	}
	if raw || lang == "" {
		return text
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text
	}
	out, err := renderer.Render("```" + lang + "\n" + text + "\n```")
	if err != nil {
		return text
	}
	return strings.TrimSpace(out)
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
