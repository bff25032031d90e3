package main

import (
	"fmt"
	"os"

	"github.com/atotto/clipboard"
	"github.com/blackcoderx/courier/pkg/engine"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	sendEnv      string
	sendHAR      string
	sendTimeline bool
	sendRaw      bool
	sendCopy     bool
	sendForce    bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	f := sendCmd.Flags()
	f.StringVarP(&sendEnv, "env", "e", "dev", "environment to use for variable substitution")
	f.StringVar(&sendHAR, "har", "", "write the exchange, redirects included, to a HAR file")
	f.BoolVarP(&sendTimeline, "timeline", "t", false, "print the request timeline")
	f.BoolVar(&sendRaw, "raw", false, "print the body without highlighting")
	f.BoolVar(&sendCopy, "copy", false, "copy the response body to the clipboard")
	f.BoolVar(&sendForce, "fetch-token", false, "ignore cached OAuth credentials and run the flow again")
}

var sendCmd = &cobra.Command{
	Use:   "send <request>",
	Short: "Execute a saved request",
	Long: `Execute a saved request from .courier/requests (by name) or any YAML file (by path).
Variables are substituted from the selected environment and authorization is applied
before the request is sent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		saved, err := a.loadRequest(args[0], sendEnv)
		if err != nil {
			return fmt.Errorf("failed to load request '%s': %w", args[0], err)
		}
		req, err := saved.Build(a.settings.BaseRequest())
		if err != nil {
			return err
		}
		if err := a.applyAuth(ctx, saved, &req, sendForce); err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}

		res, execErr := a.engine.Execute(ctx, req)
		out := cmd.OutOrStdout()
		if sendTimeline || (execErr != nil && res.Response == nil) {
			renderTimeline(cmd.ErrOrStderr(), res.Timeline)
			fmt.Fprintln(cmd.ErrOrStderr())
		}
		renderResult(out, res, sendRaw)

		if sendHAR != "" {
			if err := writeHARFile(sendHAR, res); err != nil {
				return err
			}
		}
		if sendCopy && res.Response != nil {
			if err := clipboard.WriteAll(string(res.Response.Body)); err != nil {
				a.log.Warn("failed to copy to clipboard", zap.Error(err))
			} else {
				fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("Response body copied to clipboard"))
			}
		}

		return execErr
	},
}

func writeHARFile(path string, results ...*engine.Result) error {
	f, err := afs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create har file: %w", err)
	}
	if err := engine.WriteHAR(f, version, results...); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
