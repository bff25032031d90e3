package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cookiesCmd.AddCommand(cookiesListCmd, cookiesDeleteCmd, cookiesClearCmd)
	cookiesDeleteCmd.Flags().String("path", "/", "cookie path")
	rootCmd.AddCommand(cookiesCmd)
}

var cookiesCmd = &cobra.Command{
	Use:   "cookies",
	Short: "Inspect and edit the persisted cookie jar",
}

var cookiesListCmd = &cobra.Command{
	Use:   "list [domain]",
	Short: "List stored cookies, grouped by domain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		domains := a.jar.Domains()
		if len(domains) == 0 {
			fmt.Fprintln(out, dimStyle.Render("No cookies stored"))
			return nil
		}
		for _, d := range domains {
			if len(args) == 1 && d.Domain != args[0] {
				continue
			}
			fmt.Fprintln(out, headerStyle.Render(d.Domain))
			for _, c := range d.Cookies {
				expiry := "session"
				if c.Persistent() {
					expiry = c.Expires.Format(time.RFC1123)
				}
				flags := ""
				if c.Secure {
					flags += " secure"
				}
				if c.HTTPOnly {
					flags += " httponly"
				}
				fmt.Fprintf(out, "  %s=%s %s\n", accentStyle.Render(c.Key), textStyle.Render(c.Value),
					dimStyle.Render(fmt.Sprintf("path=%s expires=%s%s", c.Path, expiry, flags)))
			}
		}
		return nil
	},
}

var cookiesDeleteCmd = &cobra.Command{
	Use:   "delete <domain> [name]",
	Short: "Delete one cookie, or every cookie of a domain",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			return a.jar.DeleteCookiesForDomain(args[0])
		}
		path, _ := cmd.Flags().GetString("path")
		return a.jar.DeleteCookie(args[0], path, args[1])
	},
}

var cookiesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every stored cookie",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.jar.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Cookie jar cleared"))
		return nil
	},
}
