// Package gatewaytest provides an in-process gateway double for tests: the
// REST surface plus a push websocket, all driven from the test body.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.mau.fi/util/jsontime"

	"github.com/courtdesk/chatline/pkg/gateway"
)

// SentMessage records one accepted send.
type SentMessage struct {
	Contact  string
	Request  gateway.SendRequest
	ServerID string
}

type plannedFailure struct {
	status  int
	code    string
	message string
}

type feedConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	topics map[string]bool
}

func (c *feedConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Server fakes the gateway. Zero value is not usable; call NewServer.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	token       string
	history     map[string][]gateway.Record
	attachments map[string][]byte
	attachMime  map[string]string
	sent        []SentMessage
	nextID      int
	failNext    *plannedFailure
	conns       map[*feedConn]bool
}

// NewServer starts the fake. Callers own its lifetime: defer Close.
func NewServer() *Server {
	s := &Server{
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		history:     make(map[string][]gateway.Record),
		attachments: make(map[string][]byte),
		attachMime:  make(map[string]string),
		conns:       make(map[*feedConn]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /v1/chats/{contact}/messages", s.withAuth(s.handleHistory))
	mux.HandleFunc("POST /v1/chats/{contact}/messages", s.withAuth(s.handleSend))
	mux.HandleFunc("POST /v1/attachments", s.withAuth(s.handleUpload))
	mux.HandleFunc("GET /v1/attachments/{id}", s.withAuth(s.handleDownload))
	mux.HandleFunc("/v1/events", s.handleEvents)
	s.srv = httptest.NewServer(mux)
	return s
}

// Close shuts the fake down and drops every push connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*feedConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
	s.srv.Close()
}

// URL is the REST base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// SocketURL is the push websocket endpoint.
func (s *Server) SocketURL() string {
	return "ws" + s.srv.URL[len("http"):] + "/v1/events"
}

// SetToken makes every endpoint demand this bearer token.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SeedHistory loads records for contact, oldest first.
func (s *Server) SeedHistory(contact string, records ...gateway.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[contact] = append(s.history[contact], records...)
}

// FailNextSend makes the next send request fail with the given HTTP status
// and error body, then resets.
func (s *Server) FailNextSend(status int, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = &plannedFailure{status: status, code: code, message: message}
}

// Sent returns a copy of every accepted send, in order.
func (s *Server) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// PushEvent broadcasts ev to every push connection subscribed to its topic.
// Delivery to a dying connection is silently skipped, as a broker would.
func (s *Server) PushEvent(ev gateway.Event) error {
	data, err := gateway.EncodeEvent(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conns := make([]*feedConn, 0, len(s.conns))
	for c := range s.conns {
		c.mu.Lock()
		subscribed := c.topics[ev.Topic]
		c.mu.Unlock()
		if subscribed {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.write(data)
	}
	return nil
}

// DropConnections severs every live push connection without stopping the
// server, simulating a network blip for reconnect tests. It returns once the
// dropped connections have fully unregistered, so a following WaitSubscribed
// can only observe the replacement connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*feedConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
	s.srv.CloseClientConnections()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		drained := true
		for c := range s.conns {
			for _, old := range conns {
				if c == old {
					drained = false
				}
			}
		}
		s.mu.Unlock()
		if drained {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitSubscribed polls until some push connection has subscribed topic, or
// the timeout passes.
func (s *Server) WaitSubscribed(topic string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.subscribed(topic) {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func (s *Server) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.mu.Lock()
		ok := c.topics[topic]
		c.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	return token == "" || r.Header.Get("Authorization") == "Bearer "+token
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	contact := r.PathValue("contact")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid before mark")
			return
		}
		before = time.UnixMilli(ms)
	}

	s.mu.Lock()
	all := s.history[contact]
	eligible := make([]gateway.Record, 0, len(all))
	for _, rec := range all {
		if before.IsZero() || rec.Timestamp.Time.Before(before) {
			eligible = append(eligible, rec)
		}
	}
	s.mu.Unlock()

	page := eligible
	hasMore := false
	if len(eligible) > limit {
		page = eligible[len(eligible)-limit:]
		hasMore = true
	}
	writeJSON(w, map[string]any{"messages": page, "hasMore": hasMore})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	contact := r.PathValue("contact")
	var req gateway.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid send body")
		return
	}

	s.mu.Lock()
	if fail := s.failNext; fail != nil {
		s.failNext = nil
		s.mu.Unlock()
		writeError(w, fail.status, fail.code, fail.message)
		return
	}
	s.nextID++
	id := fmt.Sprintf("srv-%d", s.nextID)
	now := time.Now().UTC().Truncate(time.Millisecond)
	s.sent = append(s.sent, SentMessage{Contact: contact, Request: req, ServerID: id})
	s.history[contact] = append(s.history[contact], gateway.Record{
		ID:           id,
		FromMe:       true,
		Body:         req.Body,
		AttachmentID: req.AttachmentID,
		Timestamp:    jsontime.UM(now),
		Status:       "sent",
	})
	s.mu.Unlock()

	writeJSON(w, map[string]any{"id": id, "timestamp": now.UnixMilli()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read upload body")
		return
	}
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("att-%d", s.nextID)
	s.attachments[id] = data
	s.attachMime[id] = r.Header.Get("Content-Type")
	s.mu.Unlock()
	writeJSON(w, map[string]any{"id": id})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	data, ok := s.attachments[id]
	mime := s.attachMime[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such attachment")
		return
	}
	if mime != "" {
		w.Header().Set("Content-Type", mime)
	}
	w.Write(data)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &feedConn{ws: ws, topics: make(map[string]bool)}
	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var cmd struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := ws.ReadJSON(&cmd); err != nil {
			return
		}
		conn.mu.Lock()
		for _, topic := range cmd.Topics {
			switch cmd.Action {
			case "subscribe":
				conn.topics[topic] = true
			case "unsubscribe":
				delete(conn.topics, topic)
			}
		}
		conn.mu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
