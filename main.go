package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"runicorn-client/backend"
	"runicorn-client/backend/pkg/devlog"
)

var version = "0.0.0"

const appName = "runicorn"

// cli 保存全局参数和启动后的 App
type cli struct {
	configPath string
	apiURL     string
	debug      bool

	app *backend.App
}

// close 刷新日志。命令失败时 PersistentPostRun 不会执行，所以放在 Execute 之后调用
func (c *cli) close() {
	if c.app != nil {
		c.app.Shutdown()
		c.app = nil
	}
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Runicorn remote client",
		Version: version,
		Long: `Manage saved remote connections and artifact downloads of a
Runicorn viewer, and serve the web UI against a local viewer backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.app = backend.NewApp(c.debug, cmd.OutOrStdout())
			if err := c.app.Startup(cmd.Context(), backend.StartupOptions{
				ConfigPath: c.configPath,
				APIURL:     c.apiURL,
			}); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			devlog.Debug("command started:", cmd.CommandPath())
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Config file (default: <UserConfigDir>/Runicorn/client.yaml)")
	rootCmd.PersistentFlags().StringVar(&c.apiURL, "api", "", "Viewer backend URL (overrides api_url and RUNICORN_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "Enable debug logging to stderr")

	rootCmd.AddCommand(c.connectionsCmd())
	rootCmd.AddCommand(c.downloadCmd())
	rootCmd.AddCommand(c.configCmd())
	rootCmd.AddCommand(c.modeCmd())
	rootCmd.AddCommand(c.serveCmd())
	return rootCmd
}

func (c *cli) modeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode",
		Short: "Show the viewer storage mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := c.app.StorageMode(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mode:             %s\n", mode.Mode)
			fmt.Fprintf(out, "remote connected: %t\n", mode.RemoteConnected)
			if mode.IsRemote() {
				fmt.Fprintln(out, "artifact downloads are available")
			}
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{}
	err := newRootCmd(c).ExecuteContext(ctx)
	c.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
