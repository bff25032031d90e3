package main

import (
	"context"
	"fmt"

	"github.com/blackcoderx/courier/pkg/auth"
	"github.com/blackcoderx/courier/pkg/auth/oauth1"
	"github.com/blackcoderx/courier/pkg/auth/oauth2"
	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/storage"
	"go.uber.org/zap"
)

// applyAuth authorizes out according to the saved request's auth block,
// running OAuth flows as needed.
func (a *app) applyAuth(ctx context.Context, saved *storage.Request, out *engine.Request, forceFetch bool) error {
	if saved.Auth == nil {
		return nil
	}
	col := a.collectionID(saved)

	switch saved.Auth.Mode {
	case storage.AuthNone, "":
		return nil

	case storage.AuthBasic:
		if saved.Auth.Basic == nil {
			return fmt.Errorf("auth mode %q needs a basic block", saved.Auth.Mode)
		}
		return auth.ApplyBasic(out, saved.Auth.Basic.Username, saved.Auth.Basic.Password)

	case storage.AuthBearer:
		if saved.Auth.Bearer == nil {
			return fmt.Errorf("auth mode %q needs a bearer block", saved.Auth.Mode)
		}
		return auth.ApplyBearer(out, saved.Auth.Bearer.Token)

	case storage.AuthOAuth2:
		cfg := saved.Auth.OAuth2
		if cfg == nil {
			return fmt.Errorf("auth mode %q needs an oauth2 block", saved.Auth.Mode)
		}
		res, err := a.oauth2.Token(ctx, col, *cfg, forceFetch)
		if err != nil {
			return err
		}
		if res.Credentials == nil {
			a.log.Warn("no oauth2 token available; sending without one",
				zap.String("collection", col), zap.String("url", res.URL))
			return nil
		}
		return oauth2.Apply(out, *cfg, res.Credentials)

	case storage.AuthOAuth1:
		cfg := saved.Auth.OAuth1
		if cfg == nil {
			return fmt.Errorf("auth mode %q needs an oauth1 block", saved.Auth.Mode)
		}
		// A token written into the request needs no flow.
		if cfg.AccessToken != "" && !forceFetch {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return oauth1.Sign(out, *cfg, nil)
		}
		res, err := a.oauth1.Token(ctx, col, *cfg, forceFetch)
		if err != nil {
			return err
		}
		return oauth1.Sign(out, *cfg, res.Credentials)
	}
	return fmt.Errorf("unknown auth mode %q", saved.Auth.Mode)
}
