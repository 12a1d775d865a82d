package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (c *cli) serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web UI and proxy /api to the local viewer backend",
		Long: `Serves the built frontend (frontend_dist) with SPA fallback, forwards
/api/* to the viewer backend and streams download progress over
/ws/downloads/{taskId}. Editing the config file retargets the proxy without
a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := c.app.NewDevServer(listen)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return srv.ListenAndServe(ctx)
			})
			g.Go(func() error {
				if err := c.app.WatchConfig(ctx, srv); err != nil {
					// 监听失败不影响服务本身
					c.app.Logger().Warn("config watcher stopped", zap.Error(err))
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config, 127.0.0.1:5173)")
	return cmd
}
