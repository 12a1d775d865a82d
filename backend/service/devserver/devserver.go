// Package devserver 在开发时托管前端产物，并把 /api/* 转发到本机的 viewer 后端。
// 另外提供 /ws/downloads/{taskId}，把下载进度轮询结果推送给浏览器。
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Listen       string
	BackendURL   string
	FrontendDist string
}

// Server 负责代理、静态文件和进度推送
type Server struct {
	listen string
	dist   string
	logger *zap.Logger

	proxyMu sync.RWMutex
	proxy   *httputil.ReverseProxy
	backend *url.URL

	relay *relay
}

func New(cfg Config, poller Poller, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		listen: cfg.Listen,
		dist:   cfg.FrontendDist,
		logger: logger,
		relay:  newRelay(poller, logger),
	}
	if err := s.SetBackend(cfg.BackendURL); err != nil {
		return nil, err
	}
	return s, nil
}

// SetBackend 切换代理目标，配置文件变化时调用
func (s *Server) SetBackend(rawURL string) error {
	target, err := url.Parse(rawURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("invalid backend url %q", rawURL)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "backend unavailable: " + err.Error()})
	}

	s.proxyMu.Lock()
	prev := s.backend
	s.proxy, s.backend = proxy, target
	s.proxyMu.Unlock()

	if prev != nil && prev.String() != target.String() {
		s.logger.Info("proxy retargeted", zap.String("from", prev.String()), zap.String("to", target.String()))
	}
	return nil
}

// Backend 返回当前代理目标
func (s *Server) Backend() string {
	s.proxyMu.RLock()
	defer s.proxyMu.RUnlock()
	return s.backend.String()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", s.handleAPI)
	mux.HandleFunc("GET /ws/downloads/{taskId}", s.relay.handleConnection)
	mux.HandleFunc("/", s.handleStatic)
	return mux
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	s.proxyMu.RLock()
	proxy := s.proxy
	s.proxyMu.RUnlock()
	proxy.ServeHTTP(w, r)
}

// handleStatic 提供前端文件，找不到的路径回退到 index.html（SPA 路由）
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.dist == "" {
		http.Error(w, "frontend dist not configured", http.StatusNotFound)
		return
	}
	clean := path.Clean("/" + r.URL.Path)
	file := filepath.Join(s.dist, filepath.FromSlash(clean))
	if info, err := os.Stat(file); err == nil && !info.IsDir() {
		http.ServeFile(w, r, file)
		return
	}
	index := filepath.Join(s.dist, "index.html")
	if _, err := os.Stat(index); err != nil {
		http.Error(w, "frontend not built: "+index+" missing", http.StatusNotFound)
		return
	}
	// 带扩展名的静态资源不回退
	if ext := path.Ext(clean); ext != "" && !strings.EqualFold(ext, ".html") {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, index)
}

// ListenAndServe 监听配置的地址，直到 ctx 被取消
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上提供服务。ctx 取消后关闭所有推送会话并优雅退出。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("dev server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("backend", s.Backend()),
		zap.String("dist", s.dist))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// 被劫持的 websocket 连接不受 Shutdown 管理，需要先清理
		s.relay.cleanupAllSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	s.relay.wait()
	return err
}
