package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/logging"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	submitTimeout = time.Second
	maxBodyBytes  = 1024
)

// ClientConn defines an interface for a WebSocket connection.
type ClientConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Server is the HTTP origin: a small REST API plus a WebSocket stream of
// replies and dispatcher events.
type Server struct {
	Hub        *Hub
	ctx        context.Context
	inbox      core.CommandChannel
	replies    core.ReplyChannel
	eventBus   *core.EventBus
	httpServer *http.Server

	mu     sync.RWMutex
	status core.Status

	scripts   Scripts
	schedules Schedules
	settings  Settings

	allowedOrigins []string
	upgrader       websocket.Upgrader
	log            *logrus.Entry
}

// NewServer creates a new server instance.
func NewServer(ctx context.Context, inbox core.CommandChannel, eventBus *core.EventBus, port string, allowedOrigins []string) *Server {
	s := &Server{
		Hub:            NewHub(),
		ctx:            ctx,
		inbox:          inbox,
		replies:        core.NewReplyChannel(),
		eventBus:       eventBus,
		status:         core.NewStatus(core.WiFiMode),
		allowedOrigins: allowedOrigins,
		log:            logging.For("http"),
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				s.log.Warn("WebSocket CheckOrigin is disabled.")
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			s.log.Warnf("WebSocket connection blocked: Origin '%s' not in allowed list.", origin)
			return false
		},
	}

	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.scriptRoutes(mux)
	s.scheduleRoutes(mux)
	s.settingsRoutes(mux)
	return mux
}

// Replies is the sink to register with the dispatcher for OriginHTTP.
func (s *Server) Replies() core.ReplyChannel { return s.replies }

// Run starts the hub and the reply and event pumps. It returns when the
// server context is cancelled.
func (s *Server) Run() {
	go s.Hub.Run(s.ctx)
	go s.pumpReplies()
	s.pumpEvents()
}

func (s *Server) ListenAndServe() error {
	s.log.Infof("HTTP server listening on %s.", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Status returns the last status snapshot seen on the event bus.
func (s *Server) Status() core.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var cmd Command
		if err := json.Unmarshal(body, &cmd); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		text = cmd.Command
	}

	kind := parseCommand(text)
	if kind == core.KindInvalid {
		writeError(w, http.StatusBadRequest, "unknown command")
		return
	}

	cmd := core.Command{Origin: core.OriginHTTP, Kind: kind}
	if err := core.Submit(r.Context(), s.inbox, cmd, submitTimeout); err != nil {
		s.log.WithError(err).Warnf("Could not queue %s.", kind)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.log.Infof("Queued %s.", kind)
	writeJSON(w, http.StatusAccepted, map[string]string{"queued": kind.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade error.")
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(NewMessage("status", s.Status()))

	if !s.Hub.add(s.ctx, conn) {
		return
	}
	defer s.Hub.remove(s.ctx, conn)

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg Command
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			s.log.WithError(err).Debug("Ignoring malformed WebSocket message.")
			continue
		}
		if msg.Type != "command" {
			continue
		}
		text := msg.Command
		if v, ok := msg.Payload["command"].(string); ok && text == "" {
			text = v
		}
		kind := parseCommand(text)
		if err := core.Submit(s.ctx, s.inbox, core.Command{Origin: core.OriginHTTP, Kind: kind}, submitTimeout); err != nil {
			s.log.WithError(err).Warnf("Could not queue %s.", kind)
		}
	}
}

func (s *Server) pumpReplies() {
	for {
		r, ok := core.ReadReply(s.ctx, s.replies, 0)
		if !ok {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}
		s.Hub.Broadcast(NewMessage("reply", newReplyPayload(r)))
	}
}

func (s *Server) pumpEvents() {
	types := []core.EventType{
		core.StatusEvent,
		core.ModeChangedEvent,
		core.CommandHandledEvent,
		core.SlaveFinishedEvent,
		core.SlaveStateEvent,
		core.SettingsEvent,
		core.ScriptChangedEvent,
	}
	sub := s.eventBus.Subscribe(types...)
	defer s.eventBus.Unsubscribe(sub, types...)

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-sub:
			s.handleEvent(event)
		}
	}
}

func (s *Server) handleEvent(event core.Event) {
	switch p := event.Payload.(type) {
	case core.Status:
		s.mu.Lock()
		s.status = p
		s.mu.Unlock()
		s.Hub.Broadcast(NewMessage("status", p))
	case core.WirelessMode:
		s.Hub.Broadcast(NewMessage("mode", map[string]string{"mode": p.String()}))
	case core.CommandResult:
		s.Hub.Broadcast(NewMessage("command_handled", map[string]string{
			"command": p.Command.Kind.String(),
			"origin":  p.Command.Origin.String(),
			"outcome": p.Outcome,
		}))
	case core.Kind:
		s.Hub.Broadcast(NewMessage("slave_finished", map[string]string{"process": p.String()}))
	case byte:
		s.Hub.Broadcast(NewMessage("slave_state", newReplyPayload(core.Reply{SlaveState: p, IsSlaveState: true})))
	case map[string]string:
		s.Hub.Broadcast(NewMessage("settings", p))
	case core.ScriptRun:
		s.Hub.Broadcast(NewMessage("script", map[string]string{"running": p.Name}))
	}
}

// parseCommand accepts a command name or its numeric value.
func parseCommand(text string) core.Kind {
	text = strings.TrimSpace(text)
	if n, err := strconv.ParseUint(text, 10, 8); err == nil {
		if n >= uint64(core.KindInvalid) {
			return core.KindInvalid
		}
		return core.Kind(n)
	}
	return core.ParseKind(text)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
