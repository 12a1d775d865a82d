package download

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"runicorn-client/backend/internal/remoteapi"
	"runicorn-client/backend/pkg/types"
)

// DefaultPollInterval is the fixed pause between two status fetches.
const DefaultPollInterval = time.Second

// genericFailure is reported when a failed task carries no error text.
const genericFailure = "Download failed"

// API is the subset of the REST client the download helpers use.
type API interface {
	StorageMode(ctx context.Context) (types.StorageMode, error)
	StartDownload(ctx context.Context, req remoteapi.StartDownloadRequest) (string, error)
	DownloadStatus(ctx context.Context, taskID string) (types.DownloadTask, error)
	CancelDownload(ctx context.Context, taskID string) error
}

// ProgressHandlers are the optional callbacks of PollDownloadProgress.
type ProgressHandlers struct {
	OnProgress func(percent float64, task types.DownloadTask)
	OnComplete func(targetDir string)
	OnError    func(message string)
}

// Service wraps start/poll/cancel with user notifications.
type Service struct {
	api      API
	notifier Notifier
	logger   *zap.Logger
	interval time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets where user-facing messages go.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

func NewService(api API, opts ...Option) *Service {
	s := &Service{
		api:      api,
		notifier: nopNotifier{},
		logger:   zap.NewNop(),
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckIsRemoteMode reports whether the backend runs in remote mode with a
// live remote. Any failure counts as false.
func (s *Service) CheckIsRemoteMode(ctx context.Context) bool {
	mode, err := s.api.StorageMode(ctx)
	if err != nil {
		s.logger.Debug("storage mode check failed", zap.Error(err))
		return false
	}
	return mode.IsRemote()
}

// StartArtifactDownload asks the backend to start a download. Failures are
// reported through the notifier and never returned.
func (s *Service) StartArtifactDownload(ctx context.Context, name, version, artifactType string) (string, bool) {
	taskID, err := s.api.StartDownload(ctx, remoteapi.StartDownloadRequest{
		Name:    name,
		Version: version,
		Type:    artifactType,
	})
	if err != nil {
		s.logger.Warn("start download failed",
			zap.String("artifact", name), zap.String("version", version), zap.Error(err))
		s.notifier.Error(fmt.Sprintf("Failed to start download: %s", err))
		return "", false
	}
	s.logger.Info("download started", zap.String("task_id", taskID), zap.String("artifact", name))
	s.notifier.Success(fmt.Sprintf("Download started: %s:%s", name, version))
	return taskID, true
}

// PollDownloadProgress fetches the task status once per interval until the
// task completes or fails, a fetch errors, or ctx is cancelled. OnProgress
// runs on every successful fetch, before the terminal check. Cancellation
// returns ctx.Err() without invoking OnComplete or OnError.
func (s *Service) PollDownloadProgress(ctx context.Context, taskID string, h ProgressHandlers) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := s.api.DownloadStatus(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("download status poll failed", zap.String("task_id", taskID), zap.Error(err))
			if h.OnError != nil {
				h.OnError(err.Error())
			}
			return nil
		}

		if h.OnProgress != nil {
			h.OnProgress(task.ProgressPercent, task)
		}

		if task.Status.IsTerminal() {
			if task.Status == types.TaskCompleted {
				s.logger.Info("download completed", zap.String("task_id", taskID), zap.String("target_dir", task.TargetDir))
				if h.OnComplete != nil {
					h.OnComplete(task.TargetDir)
				}
				return nil
			}
			msg := task.Error
			if msg == "" {
				msg = genericFailure
			}
			s.logger.Info("download failed", zap.String("task_id", taskID), zap.String("error", msg))
			if h.OnError != nil {
				h.OnError(msg)
			}
			return nil
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CancelArtifactDownload requests cancellation. It does not stop a running
// PollDownloadProgress; cancel its context for that.
func (s *Service) CancelArtifactDownload(ctx context.Context, taskID string) bool {
	if err := s.api.CancelDownload(ctx, taskID); err != nil {
		s.logger.Debug("cancel download rejected", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	s.notifier.Info("Download cancelled")
	return true
}
