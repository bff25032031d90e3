package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved requests and environments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		out := cmd.OutOrStdout()

		requests, err := a.ws.ListRequests()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, headerStyle.Render("Requests"))
		if len(requests) == 0 {
			fmt.Fprintln(out, dimStyle.Render("  none saved in "+a.ws.RequestsDir()))
		}
		for _, r := range requests {
			fmt.Fprintln(out, "  "+textStyle.Render(r))
		}

		envs, err := a.ws.ListEnvironments()
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, headerStyle.Render("Environments"))
		for _, e := range envs {
			fmt.Fprintln(out, "  "+textStyle.Render(e))
		}
		return nil
	},
}
