package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socks5proxy/dns"
	"socks5proxy/logger"
	"socks5proxy/socks5"
)

const (
	defaultPushInterval = 2 * time.Second
	writeWait           = 10 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// StatsSource 提供连接统计快照
type StatsSource interface {
	Snapshot() socks5.StatsSnapshot
}

// CacheSource 提供 DNS 缓存统计
type CacheSource interface {
	Stats() dns.CacheStats
}

// Config 统计接口配置
type Config struct {
	Listen       string
	PushInterval time.Duration // WebSocket 推送间隔
}

// APIResponse 统一API响应格式
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// WebServer 只读统计接口：JSON、Prometheus 和 WebSocket
type WebServer struct {
	config    Config
	stats     StatsSource
	cache     CacheSource
	logger    *logger.Logger
	registry  *prometheus.Registry
	upgrader  websocket.Upgrader
	handler   http.Handler
	startTime time.Time
}

// NewWebServer 创建Web服务器，cache 可以为 nil
func NewWebServer(config Config, stats StatsSource, cache CacheSource, log *logger.Logger) *WebServer {
	if log == nil {
		log = logger.WithPrefix("WebServer")
	}
	if config.PushInterval <= 0 {
		config.PushInterval = defaultPushInterval
	}

	ws := &WebServer{
		config:    config,
		stats:     stats,
		cache:     cache,
		logger:    log,
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	ws.registry.MustRegister(
		newStatsCollector(stats, cache),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ws.setupRoutes()
	return ws
}

// setupRoutes 设置HTTP路由
func (ws *WebServer) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/stats/ws", ws.handleStatsStream)
	mux.Handle("/metrics", promhttp.HandlerFor(ws.registry, promhttp.HandlerOpts{}))

	ws.handler = ws.corsMiddleware(mux)
}

// Handler 返回路由处理器
func (ws *WebServer) Handler() http.Handler {
	return ws.handler
}

// ListenAndServe 绑定配置的地址后开始服务
func (ws *WebServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.config.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", ws.config.Listen)
	}
	return ws.Serve(ctx, ln)
}

// Serve 服务直到 ctx 取消，然后优雅关闭
func (ws *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           ws.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	ws.logger.Info("Web interface started on http://%s", ln.Addr())

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "web server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "web server shutdown")
	}
	<-errc
	ws.logger.Info("Web interface stopped")
	return nil
}

// corsMiddleware CORS中间件
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// sendJSONResponse 发送JSON响应
func (ws *WebServer) sendJSONResponse(w http.ResponseWriter, status int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		ws.logger.Debug("Failed to encode response: %v", err)
	}
}

func (ws *WebServer) methodNotAllowed(w http.ResponseWriter) {
	ws.sendJSONResponse(w, http.StatusMethodNotAllowed, APIResponse{
		Success: false,
		Error:   "Method not allowed",
	})
}

// handleStatus 处理状态API
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.methodNotAllowed(w)
		return
	}

	status := map[string]interface{}{
		"server_status": "running",
		"start_time":    ws.startTime.Format(time.RFC3339),
		"uptime":        time.Since(ws.startTime).Truncate(time.Second).String(),
	}
	if ws.cache != nil {
		status["dns_cache"] = ws.cache.Stats()
	}

	ws.sendJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: status})
}

// handleStats 处理统计API
func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.methodNotAllowed(w)
		return
	}
	ws.sendJSONResponse(w, http.StatusOK, APIResponse{Success: true, Data: ws.stats.Snapshot()})
}

// handleStatsStream 升级为 WebSocket，立即推送一次快照，之后按间隔推送
func (ws *WebServer) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Debug("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 读循环只用于感知客户端断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(ws.config.PushInterval)
	defer ticker.Stop()

	for {
		if err := ws.push(conn); err != nil {
			ws.logger.Debug("WebSocket push to %s failed: %v", r.RemoteAddr, err)
			return
		}
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}

func (ws *WebServer) push(conn *websocket.Conn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(APIResponse{Success: true, Data: ws.stats.Snapshot()})
}
