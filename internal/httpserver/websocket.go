package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/skobkin/cputhermal/internal/api"
)

// errQueueClosed ends a session whose outbound queue no longer accepts
// messages.
var errQueueClosed = errors.New("outbound queue closed")

// wsSession is one connected client: a reader goroutine feeding client
// requests, a writer goroutine draining the outbound queue and the
// handler goroutine forwarding governor status in between.
type wsSession struct {
	srv      *Server
	conn     *websocket.Conn
	logger   *slog.Logger
	outbound *wsOutbound
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowMethods(w, r, http.MethodGet) || !s.requireGovernor(w) {
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity", "active", s.wsActive.Load())
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.wsActive.Add(-1)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	s.wsTotal.Add(1)

	session := &wsSession{
		srv:      s,
		conn:     conn,
		logger:   reqLogger.With("ws_id", s.wsConnIDs.Add(1)),
		outbound: newWSOutbound(wsSendQueueSize, &s.wsDropped),
	}
	err = session.serve(r.Context())

	status := websocket.StatusNormalClosure
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) != -1:
		status = websocket.CloseStatus(err)
	default:
		session.logger.Warn("websocket session ended", "err", err)
		status = websocket.StatusInternalError
	}
	if err := conn.Close(status, ""); err != nil {
		session.logger.Debug("websocket close failed", "err", err)
	}
}

func (s *wsSession) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- s.writeLoop(ctx)
		cancel()
	}()
	defer func() {
		s.outbound.close()
		cancel()
		<-writeErr
	}()

	statuses, unsubscribe := s.srv.governor.Subscribe()
	defer unsubscribe()

	if err := s.send(s.srv.helloMessage()); err != nil {
		return err
	}

	requests := make(chan api.ClientMessage, 8)
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx, requests)
	}()

	for {
		select {
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			if err := s.send(api.NewStatusMessage(status)); err != nil {
				return err
			}
		case req := <-requests:
			if err := s.answer(req); err != nil {
				return err
			}
		case err := <-readErr:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) helloMessage() api.HelloMessage {
	govCfg := s.governor.Config()
	return api.NewHelloMessage(
		int(govCfg.PollInterval.Milliseconds()),
		govCfg.SensorID,
		s.sensors,
		s.cpus,
		map[string]bool{
			"prometheus":   s.cfg.EnablePrometheus,
			"core_control": !govCfg.CoreControlMask.Empty(),
			"hotplug":      s.hotplug != nil,
		},
	)
}

// readLoop decodes text frames into requests. Malformed frames are
// answered in place and never reach the handler loop.
func (s *wsSession) readLoop(ctx context.Context, out chan<- api.ClientMessage) error {
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout := s.srv.cfg.WS.ReadTimeout; timeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		msgType, data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			// An idle client is fine; only the parent context ends the loop.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var req api.ClientMessage
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Debug("invalid client message", "err", err)
			if err := s.sendError("invalid message"); err != nil {
				return err
			}
			continue
		}

		select {
		case out <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *wsSession) answer(req api.ClientMessage) error {
	switch req.Type {
	case "ping":
		return s.send(api.PongMessage{Type: "pong"})
	case "status":
		return s.send(api.NewStatusMessage(s.srv.governor.Status()))
	case "config":
		return s.send(api.ConfigMessage{Type: "config", Config: api.NewConfigView(s.srv.governor.Config())})
	default:
		s.logger.Debug("unknown message type", "type", req.Type)
		return s.sendError(fmt.Sprintf("unknown message type %q", req.Type))
	}
}

func (s *wsSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.outbound.channel():
			if !ok {
				return nil
			}
			writeCtx, cancel := ctx, context.CancelFunc(func() {})
			if timeout := s.srv.cfg.WS.WriteTimeout; timeout > 0 {
				writeCtx, cancel = context.WithTimeout(ctx, timeout)
			}
			err := s.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.logger.Warn("websocket write failed", "err", err)
				}
				return err
			}
			s.srv.wsSent.Add(1)
		}
	}
}

func (s *wsSession) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal websocket payload: %w", err)
	}
	if !s.outbound.enqueue(data) {
		return errQueueClosed
	}
	return nil
}

func (s *wsSession) sendError(msg string) error {
	return s.send(api.ErrorMessage{Type: "error", Message: msg})
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// originPatterns maps the allowed origins onto websocket.AcceptOptions;
// a "*" entry disables the origin check.
func originPatterns(origins []string) []string {
	if slices.Contains(origins, "*") {
		return nil
	}
	return slices.Clone(origins)
}

// wsOutbound is a bounded per-connection send queue. When it is full the
// oldest message is dropped so a slow client always sees recent status.
// Both the handler and the reader goroutine enqueue.
type wsOutbound struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	return &wsOutbound{
		ch:    make(chan []byte, max(size, 1)),
		drops: dropCounter,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		o.drops.Add(1)
		return false
	}
	for {
		select {
		case o.ch <- msg:
			return true
		default:
		}
		select {
		case <-o.ch:
			o.drops.Add(1)
		default:
		}
	}
}

func (o *wsOutbound) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}
