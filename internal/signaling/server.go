// Package signaling serves the WebSocket endpoint browser clients connect
// to. It authenticates and hardens the connection (origin checks, read
// limits, rate limits, keepalive) and hands decoded events to the hub;
// all call and presence semantics live there.
package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gorgiachat/signal-relay/internal/auth"
	"github.com/gorgiachat/signal-relay/internal/config"
	"github.com/gorgiachat/signal-relay/internal/hub"
	"github.com/gorgiachat/signal-relay/internal/metrics"
	"github.com/gorgiachat/signal-relay/internal/origin"
	"github.com/gorgiachat/signal-relay/internal/ratelimit"
	"github.com/gorgiachat/signal-relay/internal/wire"
)

type Server struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	verifier auth.Verifier
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, h *hub.Hub) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		verifier: verifier,
		hub:      h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return origin.Allowed(r.Header.Get("Origin"), r.Host, cfg.AllowedOrigins)
			},
		},
	}, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Authenticate before upgrading so a bad key costs one HTTP round trip,
	// not a socket.
	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.verifier.Verify(cred); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade wrote the error response (e.g. 403 on origin mismatch).
		return
	}
	s.serveConn(ws)
}

func (s *Server) serveConn(ws *websocket.Conn) {
	sess := newWSSession(ws, s.cfg.SendQueueBytes, s.cfg.WSPingInterval)
	sess.start()
	defer sess.Close()

	conn := s.hub.Attach(sess)
	defer s.hub.Detach(conn)

	limiter := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(s.cfg.MaxEventsPerSecond),
		int64(s.cfg.MaxEventsPerSecond),
	)

	ws.SetReadLimit(s.cfg.MaxEventBytes)
	idle := s.cfg.WSIdleTimeout
	_ = ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(idle))

		// Rate limit *after* reading so bytes already in the TCP receive
		// buffer are consumed; closing with unread data can turn into an
		// abortive close and hide the close reason from the client.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			sess.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			sess.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		// A malformed event is dropped, not fatal: tearing down the
		// connection would also tear down presence and any live call over
		// one bad frame. The rate limiter bounds how fast garbage can come.
		ev, err := wire.ParseClientEvent(data)
		if err != nil {
			s.metrics.Inc(metrics.DropReasonMalformed)
			s.log.Warn("malformed event dropped", "remote", ws.RemoteAddr().String(), "err", err)
			continue
		}

		s.hub.Dispatch(conn, ev)
	}
}
