package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/junbin-yang/aiservice-go/pkg/protocol"
	"github.com/junbin-yang/aiservice-go/pkg/session"
	log "github.com/junbin-yang/aiservice-go/pkg/utils/logger"
)

const maxBodyBytes = 64 << 10

// Controller 控制接口依赖的会话能力
type Controller interface {
	Send(text string) error
	State() session.State
	DeviceID() string
	Topics() protocol.Topics
	ConnectionID() string
}

type topicsView struct {
	Connect    string `json:"connect"`
	Request    string `json:"request"`
	Response   string `json:"response"`
	Disconnect string `json:"disconnect"`
}

type statusResponse struct {
	State        string     `json:"state"`
	DeviceID     string     `json:"deviceId"`
	ConnectionID string     `json:"connectionId,omitempty"`
	Topics       topicsView `json:"topics"`
}

type sendRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter 创建控制接口路由
//
//	GET  /status  会话状态
//	POST /send    {"text": "..."} 提交一条用户文本
func NewRouter(ctrl Controller) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(requestLogger)

	mux.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		t := ctrl.Topics()
		writeJSON(w, http.StatusOK, statusResponse{
			State:        ctrl.State().String(),
			DeviceID:     ctrl.DeviceID(),
			ConnectionID: ctrl.ConnectionID(),
			Topics: topicsView{
				Connect:    t.Connect,
				Request:    t.Request,
				Response:   t.Response,
				Disconnect: t.Disconnect,
			},
		})
	})

	mux.Post("/send", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid body: " + err.Error()})
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{"text is empty"})
			return
		}

		if err := ctrl.Send(req.Text); err != nil {
			writeJSON(w, statusFor(err), errorResponse{err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})

	return mux
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, session.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrEncodeFailure):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("[HTTP] 写响应失败: %v", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debugf("[HTTP] %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// Server 本地控制接口服务
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer 监听地址并创建服务，Serve之前不处理请求
func NewServer(listen string, ctrl Controller) (*Server, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv: &http.Server{
			Handler:           NewRouter(ctrl),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr 实际监听地址
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve 处理请求直到Shutdown
func (s *Server) Serve() error {
	log.Infof("[HTTP] 控制接口监听于 %s", s.Addr())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
