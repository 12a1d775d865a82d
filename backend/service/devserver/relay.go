package devserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"runicorn-client/backend/internal/download"
	"runicorn-client/backend/pkg/types"
	"runicorn-client/backend/pkg/utils"
)

const (
	MessageProgress = "progress"
	MessageComplete = "complete"
	MessageError    = "error"

	writeTimeout = 5 * time.Second
)

// Poller 是 download.Service 中被推送通道使用的部分
type Poller interface {
	PollDownloadProgress(ctx context.Context, taskID string, h download.ProgressHandlers) error
}

// Message 是推送给浏览器的一条进度消息
type Message struct {
	Type      string              `json:"type"`
	Percent   float64             `json:"percent"`
	Task      *types.DownloadTask `json:"task,omitempty"`
	TargetDir string              `json:"target_dir,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// session 代表一个活动的推送连接
type session struct {
	ID     string
	TaskID string
	conn   *websocket.Conn
	cancel context.CancelFunc
}

type relay struct {
	poller   Poller
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

func newRelay(poller Poller, logger *zap.Logger) *relay {
	return &relay{
		poller:   poller,
		logger:   logger,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			// 开发服务器只监听本机
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// handleConnection 将请求升级为 WebSocket，并在连接存活期间轮询任务进度
func (r *relay) handleConnection(w http.ResponseWriter, req *http.Request) {
	taskID := req.PathValue("taskId")
	if r.poller == nil {
		http.Error(w, "download relay not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.String("task", taskID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{ID: uuid.NewString(), TaskID: taskID, conn: conn, cancel: cancel}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		conn.Close()
		return
	}
	r.sessions[sess.ID] = sess
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()
	defer r.cleanupSession(sess.ID)

	log := r.logger.With(zap.String("session", sess.ID), zap.String("task", taskID))
	log.Debug("relay connected")

	// 读循环：浏览器关闭连接即取消轮询
	readDone := make(chan struct{})
	utils.SafeGo(log, func() {
		defer close(readDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	send := func(m Message) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(m); err != nil {
			log.Debug("relay write failed", zap.Error(err))
			cancel()
		}
	}

	err = func() error {
		defer utils.Recover(log)
		return r.poller.PollDownloadProgress(ctx, taskID, download.ProgressHandlers{
			OnProgress: func(percent float64, task types.DownloadTask) {
				send(Message{Type: MessageProgress, Percent: percent, Task: &task})
			},
			OnComplete: func(targetDir string) {
				send(Message{Type: MessageComplete, Percent: 100, TargetDir: targetDir})
			},
			OnError: func(msg string) {
				send(Message{Type: MessageError, Error: msg})
			},
		})
	}()
	if err != nil {
		log.Debug("relay stopped", zap.Error(err))
	} else {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(writeTimeout))
	}

	conn.Close()
	<-readDone
}

// cleanupSession 取消轮询、关闭连接并从 map 中移除
func (r *relay) cleanupSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		sess.cancel()
		sess.conn.Close()
		delete(r.sessions, id)
	}
}

// cleanupAllSessions 遍历并清理所有会话，之后不再接受新连接
func (r *relay) cleanupAllSessions() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.cleanupSession(id)
	}
}

// wait 等待所有会话的处理函数返回
func (r *relay) wait() {
	r.wg.Wait()
}
