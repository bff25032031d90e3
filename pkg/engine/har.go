package engine

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pb33f/harhar"
)

const harVersion = "1.2"

type harFile struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Version string          `json:"version"`
	Creator harhar.Creator  `json:"creator"`
	Entries []*harhar.Entry `json:"entries"`
}

// HAREntries converts every completed hop of res into a HAR entry.
func HAREntries(res *Result) []*harhar.Entry {
	if res == nil {
		return nil
	}
	entries := make([]*harhar.Entry, 0, len(res.Hops))
	for _, hop := range res.Hops {
		if hop.Response == nil {
			continue
		}
		entries = append(entries, harEntry(hop))
	}
	return entries
}

// WriteHAR writes results as one HAR 1.2 document.
func WriteHAR(w io.Writer, version string, results ...*Result) error {
	doc := harFile{Log: harLog{
		Version: harVersion,
		Creator: harhar.Creator{Name: "courier", Version: version},
		Entries: []*harhar.Entry{},
	}}
	for _, res := range results {
		doc.Log.Entries = append(doc.Log.Entries, HAREntries(res)...)
	}
	data, err := sonic.ConfigStd.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode har: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write har: %w", err)
	}
	return nil
}

func harEntry(hop Hop) *harhar.Entry {
	resp := hop.Response
	ms := float64(resp.Duration) / float64(time.Millisecond)

	req := harhar.Request{
		Method:      hop.Method,
		URL:         hop.URL,
		HTTPVersion: harProto(resp),
		Headers:     harHeaders(hop.Header),
		QueryParams: harQuery(hop.URL),
		Cookies:     harRequestCookies(hop.Header),
		HeadersSize: -1,
		BodySize:    len(hop.Body),
	}
	if len(hop.Body) > 0 {
		req.Body = harhar.BodyType{
			MIMEType: hop.Header.Get("Content-Type"),
			Content:  string(hop.Body),
		}
	}

	return &harhar.Entry{
		Start:   hop.Started.UTC().Format(time.RFC3339Nano),
		Time:    ms,
		Request: req,
		Response: harhar.Response{
			StatusCode:  resp.Status,
			StatusText:  resp.StatusText,
			HTTPVersion: harProto(resp),
			Headers:     harHeaders(resp.Header),
			Cookies:     harResponseCookies(resp.Header),
			Body: harhar.BodyResponseType{
				Size:     len(resp.Body),
				MIMEType: resp.Header.Get("Content-Type"),
				Content:  string(resp.Body),
			},
			HeadersSize: -1,
			BodySize:    len(resp.Body),
		},
		Timings: harhar.Timings{
			DNS:     -1,
			Connect: -1,
			SSL:     -1,
			Send:    0,
			Wait:    ms,
			Receive: 0,
		},
	}
}

func harProto(resp *Response) string {
	if resp.ProtoMajor == 2 {
		return "HTTP/2"
	}
	if resp.Proto != "" {
		return resp.Proto
	}
	return "HTTP/1.1"
}

func harHeaders(h http.Header) []harhar.NameValuePair {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := []harhar.NameValuePair{}
	for _, name := range names {
		for _, v := range h[name] {
			pairs = append(pairs, harhar.NameValuePair{Name: name, Value: v})
		}
	}
	return pairs
}

func harQuery(rawURL string) []harhar.NameValuePair {
	pairs := []harhar.NameValuePair{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return pairs
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range q[k] {
			pairs = append(pairs, harhar.NameValuePair{Name: k, Value: v})
		}
	}
	return pairs
}

func harRequestCookies(h http.Header) []harhar.Cookie {
	cookies := []harhar.Cookie{}
	for _, line := range h.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || name == "" {
				continue
			}
			cookies = append(cookies, harhar.Cookie{Name: name, Value: value})
		}
	}
	return cookies
}

func harResponseCookies(h http.Header) []harhar.Cookie {
	cookies := []harhar.Cookie{}
	for _, line := range h.Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		cookies = append(cookies, harhar.Cookie{Name: c.Name, Value: c.Value})
	}
	return cookies
}
