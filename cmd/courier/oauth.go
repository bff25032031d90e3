package main

import (
	"fmt"
	"io"
	"time"

	"github.com/atotto/clipboard"
	"github.com/blackcoderx/courier/pkg/auth"
	"github.com/blackcoderx/courier/pkg/auth/oauth2"
	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/blackcoderx/courier/pkg/storage"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var (
	oauthEnv    string
	oauthFetch  bool
	oauthCopy   bool
	oauthDecode bool
	oauthHAR    string
)

func init() {
	for _, c := range []*cobra.Command{oauth2TokenCmd, oauth2RefreshCmd, oauth2ClearCmd, oauth1TokenCmd, oauth1ClearCmd} {
		c.Flags().StringVarP(&oauthEnv, "env", "e", "dev", "environment to use for variable substitution")
	}
	for _, c := range []*cobra.Command{oauth2TokenCmd, oauth1TokenCmd} {
		c.Flags().BoolVar(&oauthFetch, "fetch", false, "ignore cached credentials and run the flow again")
		c.Flags().BoolVar(&oauthCopy, "copy", false, "copy the access token to the clipboard")
		c.Flags().StringVar(&oauthHAR, "har", "", "write the token endpoint exchanges to a HAR file")
	}
	oauth2TokenCmd.Flags().BoolVar(&oauthDecode, "decode", false, "decode JWT access and id tokens")

	oauth2Cmd.AddCommand(oauth2TokenCmd, oauth2RefreshCmd, oauth2ClearCmd, oauth2ListCmd)
	oauth1Cmd.AddCommand(oauth1TokenCmd, oauth1ClearCmd, oauth1ListCmd)
	rootCmd.AddCommand(oauth2Cmd, oauth1Cmd)
}

var oauth2Cmd = &cobra.Command{
	Use:   "oauth2",
	Short: "Obtain and manage OAuth 2.0 tokens",
}

var oauth1Cmd = &cobra.Command{
	Use:   "oauth1",
	Short: "Obtain and manage OAuth 1.0a tokens",
}

// oauthRequest loads a request and checks it carries the wanted auth mode.
func oauthRequest(a *app, ref string, mode storage.AuthMode) (*storage.Request, error) {
	req, err := a.loadRequest(ref, oauthEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to load request '%s': %w", ref, err)
	}
	if req.Auth == nil || req.Auth.Mode != mode ||
		(mode == storage.AuthOAuth2 && req.Auth.OAuth2 == nil) ||
		(mode == storage.AuthOAuth1 && req.Auth.OAuth1 == nil) {
		return nil, fmt.Errorf("request '%s' has no %s auth block", ref, mode)
	}
	return req, nil
}

var oauth2TokenCmd = &cobra.Command{
	Use:   "token <request>",
	Short: "Get a token for a request's OAuth 2.0 configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		req, err := oauthRequest(a, args[0], storage.AuthOAuth2)
		if err != nil {
			return err
		}
		res, err := a.oauth2.Token(cmd.Context(), a.collectionID(req), *req.Auth.OAuth2, oauthFetch)
		if res != nil {
			if herr := writeExchanges(res.Exchanges); herr != nil {
				return herr
			}
		}
		if err != nil {
			return err
		}
		if res.Credentials == nil {
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No token cached. Enable autoFetchToken or pass --fetch."))
			return nil
		}
		printOAuth2(cmd.OutOrStdout(), res)
		return copyToken(cmd, res.Credentials.AccessToken)
	},
}

var oauth2RefreshCmd = &cobra.Command{
	Use:   "refresh <request>",
	Short: "Refresh the cached OAuth 2.0 token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		req, err := oauthRequest(a, args[0], storage.AuthOAuth2)
		if err != nil {
			return err
		}
		res, err := a.oauth2.Refresh(cmd.Context(), a.collectionID(req), *req.Auth.OAuth2)
		if err != nil {
			return err
		}
		if res.Credentials == nil {
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No refresh token stored; cached credentials cleared."))
			return nil
		}
		printOAuth2(cmd.OutOrStdout(), res)
		return nil
	},
}

var oauth2ClearCmd = &cobra.Command{
	Use:   "clear <request>",
	Short: "Forget the cached OAuth 2.0 token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		req, err := oauthRequest(a, args[0], storage.AuthOAuth2)
		if err != nil {
			return err
		}
		if err := a.oauth2.Clear(a.collectionID(req), *req.Auth.OAuth2); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Credentials cleared"))
		return nil
	},
}

var oauth2ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached OAuth 2.0 credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return listCredentials(cmd.OutOrStdout(), a.oauth2Store)
	},
}

var oauth1TokenCmd = &cobra.Command{
	Use:   "token <request>",
	Short: "Get an access token for a request's OAuth 1.0a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		req, err := oauthRequest(a, args[0], storage.AuthOAuth1)
		if err != nil {
			return err
		}
		res, err := a.oauth1.Token(cmd.Context(), a.collectionID(req), *req.Auth.OAuth1, oauthFetch)
		if res != nil {
			if herr := writeExchanges(res.Exchanges); herr != nil {
				return herr
			}
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		c := res.Credentials
		field(out, "Collection", res.CollectionID)
		field(out, "Credentials", res.CredentialsID)
		field(out, "Access Token", c.AccessToken)
		field(out, "Token Secret", mask(c.AccessTokenSecret))
		field(out, "Source", source(res.FromCache, len(res.Exchanges)))
		return copyToken(cmd, c.AccessToken)
	},
}

var oauth1ClearCmd = &cobra.Command{
	Use:   "clear <request>",
	Short: "Forget the stored OAuth 1.0a access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		req, err := oauthRequest(a, args[0], storage.AuthOAuth1)
		if err != nil {
			return err
		}
		if err := a.oauth1.Clear(a.collectionID(req), *req.Auth.OAuth1); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Credentials cleared"))
		return nil
	},
}

var oauth1ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored OAuth 1.0a credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return listCredentials(cmd.OutOrStdout(), a.oauth1Store)
	},
}

func printOAuth2(out io.Writer, res *oauth2.Result) {
	c := res.Credentials
	field(out, "Collection", res.CollectionID)
	field(out, "Token URL", res.URL)
	field(out, "Credentials", res.CredentialsID)
	field(out, "Access Token", c.AccessToken)
	if c.TokenType != "" {
		field(out, "Token Type", c.TokenType)
	}
	if c.RefreshToken != "" {
		field(out, "Refresh Token", mask(c.RefreshToken))
	}
	if c.Scope != "" {
		field(out, "Scope", c.Scope)
	}
	if exp := c.ExpiresAt(); !exp.IsZero() {
		state := okStyle.Render("valid")
		if oauth2.IsTokenExpired(c, time.Now()) {
			state = errorStyle.Render("expired")
		}
		field(out, "Expires", exp.Local().Format(time.RFC1123)+" "+state)
	}
	field(out, "Source", source(res.FromCache, len(res.Exchanges)))

	if !oauthDecode {
		return
	}
	for _, tok := range []struct{ name, value string }{{"access_token", c.AccessToken}, {"id_token", c.IDToken}} {
		if tok.value == "" {
			continue
		}
		jwt, err := auth.ParseJWT(tok.value)
		if err != nil {
			fmt.Fprintln(out, dimStyle.Render(tok.name+" is not a JWT"))
			continue
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, headerStyle.Render(tok.name+" claims (signature not verified)"))
		fmt.Fprintln(out, renderClaims(jwt.Claims))
	}
}

func renderClaims(claims map[string]any) string {
	data, err := sonic.ConfigStd.Marshal(claims)
	if err != nil {
		return fmt.Sprint(claims)
	}
	return renderBody(data, "application/json", false)
}

func listCredentials(out io.Writer, store *storage.CredentialStore) error {
	entries, err := store.Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, dimStyle.Render("No credentials stored"))
		return nil
	}
	for _, e := range entries {
		target := e.URL
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(out, "%s  %s  %s\n", accentStyle.Render(e.CollectionID), textStyle.Render(target), dimStyle.Render(e.CredentialsID))
	}
	return nil
}

func writeExchanges(exchanges []*engine.Result) error {
	if oauthHAR == "" || len(exchanges) == 0 {
		return nil
	}
	return writeHARFile(oauthHAR, exchanges...)
}

func copyToken(cmd *cobra.Command, token string) error {
	if !oauthCopy || token == "" {
		return nil
	}
	if err := clipboard.WriteAll(token); err != nil {
		return fmt.Errorf("failed to copy token: %w", err)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("Access token copied to clipboard"))
	return nil
}

func field(out io.Writer, name, value string) {
	fmt.Fprintf(out, "%s %s\n", headerStyle.Render(fmt.Sprintf("%-14s", name+":")), textStyle.Render(value))
}

func source(cached bool, exchanges int) string {
	if cached {
		return "cache"
	}
	return fmt.Sprintf("token endpoint (%d exchange(s))", exchanges)
}

// mask keeps the first and last four characters of a secret.
func mask(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "…" + s[len(s)-4:]
}
