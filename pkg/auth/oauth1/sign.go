package oauth1

import (
	"mime"
	"net/http"
	"net/url"

	"github.com/blackcoderx/courier/pkg/engine"
)

const formContentType = "application/x-www-form-urlencoded"

// Sign adds OAuth 1.0a parameters to req. The token comes from creds when
// it holds one and from cfg otherwise. Without a consumer key and secret
// the request is left unsigned.
func Sign(req *engine.Request, cfg Config, creds *Credentials) error {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil
	}
	signer, err := NewSigner(cfg)
	if err != nil {
		return err
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	token, secret := cfg.AccessToken, cfg.AccessTokenSecret
	if creds.usable() {
		token, secret = creds.AccessToken, creds.AccessTokenSecret
	}
	if token == "" || secret == "" {
		token, secret = "", ""
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	form := url.Values{}
	isForm := method == http.MethodPost && isFormBody(req.Header) && len(req.Body) > 0
	if isForm {
		if form, err = url.ParseQuery(string(req.Body)); err != nil {
			return err
		}
	}
	signed := cloneValues(form)
	if cfg.CallbackURL != "" {
		signed.Set("oauth_callback", cfg.CallbackURL)
	}

	params, err := signer.Authorize(method, req.URL, signed, token, secret)
	if err != nil {
		return err
	}
	if cfg.CallbackURL != "" {
		params.Set("oauth_callback", cfg.CallbackURL)
	}

	switch cfg.ParameterTransmission {
	case InQuery:
		u, err := url.Parse(req.URL)
		if err != nil {
			return err
		}
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		req.URL = u.String()
	case InBody:
		if method != http.MethodPost {
			req.Header.Set("Authorization", signer.Header(params))
			return nil
		}
		body := url.Values{}
		if len(req.Body) > 0 {
			if body, err = url.ParseQuery(string(req.Body)); err != nil {
				return err
			}
		}
		for k, vs := range params {
			body[k] = vs
		}
		req.Body = []byte(body.Encode())
		req.Header.Set("Content-Type", formContentType)
	default:
		req.Header.Set("Authorization", signer.Header(params))
	}
	return nil
}

func isFormBody(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == formContentType
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
