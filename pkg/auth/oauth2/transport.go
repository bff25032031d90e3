package oauth2

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// paramTransport adds the flow's additional parameters to token endpoint
// requests built by x/oauth2.
type paramTransport struct {
	next   http.RoundTripper
	params []Param
}

func (t *paramTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.Header.Set("Accept", "application/json")

	for _, p := range enabled(t.params, InHeaders) {
		out.Header.Set(p.Name, p.Value)
	}

	if query := enabled(t.params, InQuery); len(query) > 0 {
		u := *out.URL
		q := u.Query()
		for _, p := range query {
			q.Add(p.Name, p.Value)
		}
		u.RawQuery = q.Encode()
		out.URL = &u
	}

	if body := enabled(t.params, InBody); len(body) > 0 {
		var form url.Values
		if r.Body != nil {
			raw, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read token request body: %w", err)
			}
			if form, err = url.ParseQuery(string(raw)); err != nil {
				return nil, fmt.Errorf("failed to parse token request body: %w", err)
			}
		} else {
			form = url.Values{}
		}
		for _, p := range body {
			form.Set(p.Name, p.Value)
		}
		encoded := form.Encode()
		out.Body = io.NopCloser(bytes.NewBufferString(encoded))
		out.ContentLength = int64(len(encoded))
		out.GetBody = nil
	}

	return t.next.RoundTrip(out)
}
