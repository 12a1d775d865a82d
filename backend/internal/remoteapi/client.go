// Package remoteapi is a thin client for the viewer's /api/remote REST surface.
package remoteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runicorn-client/backend/pkg/types"
)

const (
	savedConnectionsPath = "/api/remote/connections/saved"
	storageModePath      = "/api/storage/mode"
	downloadPath         = "/api/remote/artifacts/download"

	requestIDHeader = "X-Request-ID"
)

// APIError 表示后端返回的失败：HTTP 非 2xx，或者 2xx 但 ok=false
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Client talks to a single viewer backend.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets a per-request timeout. Zero keeps requests unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient 创建客户端，baseURL 形如 http://127.0.0.1:23300
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q: scheme and host are required", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type savedConnectionsResponse struct {
	OK          bool                    `json:"ok"`
	Connections []types.SavedConnection `json:"connections"`
}

// okResponse 是后端通用的 {ok, message, error} 结构
type okResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r okResponse) failure() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Message != "" {
		return r.Message
	}
	return "request failed"
}

// ListSavedConnections 获取后端保存的全部连接
func (c *Client) ListSavedConnections(ctx context.Context) ([]types.SavedConnection, error) {
	var resp savedConnectionsResponse
	if err := c.do(ctx, http.MethodGet, savedConnectionsPath, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Connections == nil {
		return []types.SavedConnection{}, nil
	}
	return resp.Connections, nil
}

// ReplaceSavedConnections 用完整列表覆盖后端保存的连接（没有增量接口）
func (c *Client) ReplaceSavedConnections(ctx context.Context, conns []types.SavedConnection) error {
	if conns == nil {
		conns = []types.SavedConnection{}
	}
	var resp okResponse
	if err := c.do(ctx, http.MethodPost, savedConnectionsPath, conns, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return &APIError{Message: resp.failure()}
	}
	return nil
}

// StorageMode 查询后端当前的存储模式
func (c *Client) StorageMode(ctx context.Context) (types.StorageMode, error) {
	var mode types.StorageMode
	err := c.do(ctx, http.MethodGet, storageModePath, nil, &mode)
	return mode, err
}

// StartDownloadRequest is the body of a download-start call.
type StartDownloadRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Type    string `json:"type,omitempty"`
}

type startDownloadResponse struct {
	okResponse
	TaskID string `json:"task_id"`
}

// StartDownload asks the backend to fetch an artifact and returns the task id.
func (c *Client) StartDownload(ctx context.Context, req StartDownloadRequest) (string, error) {
	var resp startDownloadResponse
	if err := c.do(ctx, http.MethodPost, downloadPath, req, &resp); err != nil {
		return "", err
	}
	if !resp.OK || resp.TaskID == "" {
		return "", &APIError{Message: resp.failure()}
	}
	return resp.TaskID, nil
}

// DownloadStatus returns the current snapshot of a download task.
func (c *Client) DownloadStatus(ctx context.Context, taskID string) (types.DownloadTask, error) {
	var task types.DownloadTask
	err := c.do(ctx, http.MethodGet, downloadPath+"/"+url.PathEscape(taskID), nil, &task)
	return task, err
}

// CancelDownload requests cancellation of a download task.
func (c *Client) CancelDownload(ctx context.Context, taskID string) error {
	var resp okResponse
	if err := c.do(ctx, http.MethodPost, downloadPath+"/"+url.PathEscape(taskID)+"/cancel", nil, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return &APIError{Message: resp.failure()}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL.String() + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	reqID := uuid.NewString()
	req.Header.Set(requestIDHeader, reqID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("method", method), zap.String("path", path),
			zap.String("request_id", reqID), zap.Error(err))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response of %s %s: %w", method, path, err)
	}
	c.logger.Debug("request done",
		zap.String("method", method), zap.String("path", path),
		zap.String("request_id", reqID), zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp.Status, data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response of %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage 提取 FastAPI 风格的 {"detail": ...}，否则使用原始文本
func errorMessage(status string, data []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if len(payload.Detail) > 0 {
			var s string
			if json.Unmarshal(payload.Detail, &s) == nil {
				return s
			}
			return string(payload.Detail)
		}
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	return status
}

// IsStatus reports whether err is an APIError carrying the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
