package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"runicorn-client/backend"
	"runicorn-client/backend/pkg/devlog"
	"runicorn-client/backend/pkg/format"
	"runicorn-client/backend/pkg/types"
)

var errNotRemote = errors.New("viewer is not connected to a remote; artifact downloads are unavailable")

func (c *cli) downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download artifacts from the remote host",
	}
	cmd.AddCommand(c.downloadStartCmd())
	cmd.AddCommand(c.downloadWatchCmd())
	cmd.AddCommand(c.downloadCancelCmd())
	return cmd
}

func (c *cli) downloadStartCmd() *cobra.Command {
	var (
		artifactType string
		watch        bool
	)
	cmd := &cobra.Command{
		Use:   "start <name> <version>",
		Short: "Start downloading an artifact version",
		Example: `  runicorn download start resnet50 v2 --type model --watch`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !c.app.IsRemoteMode(ctx) {
				return errNotRemote
			}
			taskID, ok := c.app.StartDownload(ctx, args[0], args[1], artifactType)
			if !ok {
				return errors.New("download was not started")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task: %s\n", taskID)
			if !watch {
				return nil
			}
			return watchDownload(ctx, c.app, cmd.OutOrStdout(), taskID)
		},
	}
	cmd.Flags().StringVarP(&artifactType, "type", "t", "model", "Artifact type")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the download finishes")
	return cmd
}

func (c *cli) downloadWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow the progress of a download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchDownload(cmd.Context(), c.app, cmd.OutOrStdout(), args[0])
		},
	}
}

func (c *cli) downloadCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !c.app.CancelDownload(cmd.Context(), args[0]) {
				return fmt.Errorf("could not cancel %s", args[0])
			}
			return nil
		},
	}
}

// watchDownload 打印进度直到任务结束。Ctrl-C 只停止跟踪，不会取消下载。
func watchDownload(ctx context.Context, app *backend.App, out io.Writer, taskID string) error {
	var failure string
	last := types.TaskStatus("")
	err := app.PollDownload(ctx, taskID, backend.DownloadHandlers{
		OnProgress: func(percent float64, task types.DownloadTask) {
			devlog.Debug("poll", taskID, task.Status, percent)
			if task.Status != last {
				last = task.Status
				fmt.Fprintf(out, "%-9s %s\n", task.Status, format.Percent(percent, 1))
				return
			}
			fmt.Fprintf(out, "%-9s %s\n", "", format.Percent(percent, 1))
		},
		OnComplete: func(targetDir string) {
			fmt.Fprintf(out, "Saved to %s\n", targetDir)
		},
		OnError: func(msg string) {
			failure = msg
		},
	})
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(out, "Stopped watching %s; the download keeps running.\n", taskID)
		return nil
	}
	if err != nil {
		return err
	}
	if failure != "" {
		return fmt.Errorf("download %s failed: %s", taskID, failure)
	}
	return nil
}
