package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/blackcoderx/courier/pkg/config"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	workspaceDir string
	envFiles     []string

	// v backs every command's flag bindings.
	v = config.New(afs, config.DirName, "")

	rootCmd = &cobra.Command{
		Use:   "courier",
		Short: "Courier - send API requests with proxies, cookies and OAuth handled for you",
		Long: `Courier executes saved API requests from your terminal. It follows redirects
itself, keeps an encrypted cookie jar, routes through HTTP and SOCKS proxies and
runs OAuth 1.0a and OAuth 2.0 flows, caching the tokens it obtains.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFiles...); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is .courier/config.json)")
	pf.StringVarP(&workspaceDir, "workspace", "w", config.DirName, "workspace directory")
	pf.StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	pf.String("log-level", "info", "operator log level (debug, info, warn, error)")
	pf.Bool("dev-log", false, "human-readable development logging")

	_ = v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("logging.development", pf.Lookup("dev-log"))

	rootCmd.Version = version
}

func initConfig() {
	file := cfgFile
	if file == "" {
		file = filepath.Join(workspaceDir, config.FileName)
	}
	v.SetConfigFile(file)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
