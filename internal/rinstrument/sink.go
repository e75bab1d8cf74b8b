// Package rinstrument exposes the instrumentation before/after event
// stream (the payload rinterp.InstrumentFunc carries) over a websocket,
// so an external debugging UI can watch a run live without being wired
// into the host language binding. It is a pure side-channel: a VM with
// no Sink attached behaves identically.
package rinstrument

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"relaxvm/internal/rvalue"
)

// Event is one instrumentation callback occurrence, serialized to JSON
// for every connected observer.
type Event struct {
	FuncName string   `json:"func_name"`
	Before   bool     `json:"before"`
	Return   string   `json:"return,omitempty"`
	Args     []string `json:"args,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// Sink accepts websocket connections on one HTTP endpoint and
// broadcasts every recorded Event to all of them.
type Sink struct {
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.RWMutex
	clients map[string]*client
	nextID  int
}

// NewSink builds a Sink whose HTTP handler is not yet serving; call
// Serve to bind it to an address.
func NewSink() *Sink {
	return &Sink{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Serve starts an HTTP server on addr whose single path upgrades
// incoming connections into broadcast observers. It returns
// immediately; the server runs in a background goroutine, matching the
// teacher's own fire-and-forget ListenAndServe pattern.
func (s *Sink) Serve(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("rinstrument: server stopped: %v", err)
		}
	}()
}

func (s *Sink) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	id := fmt.Sprintf("observer_%d", s.nextID)
	s.nextID++
	s.clients[id] = &client{conn: conn}
	s.mu.Unlock()
}

// Stop closes every connection and the HTTP server.
func (s *Sink) Stop() error {
	s.mu.Lock()
	for id, c := range s.clients {
		c.mu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.closed = true
		c.mu.Unlock()
		delete(s.clients, id)
	}
	s.mu.Unlock()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Broadcast sends ev as JSON to every connected observer, pruning any
// connection a write fails on.
func (s *Sink) Broadcast(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("rinstrument: encode event: %w", err)
	}

	s.mu.RLock()
	targets := make(map[string]*client, len(s.clients))
	for id, c := range s.clients {
		targets[id] = c
	}
	s.mu.RUnlock()

	var lastErr error
	var dead []string
	for id, c := range targets {
		c.mu.Lock()
		if !c.closed {
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				lastErr = err
				c.closed = true
				dead = append(dead, id)
			}
		}
		c.mu.Unlock()
	}

	if len(dead) > 0 {
		s.mu.Lock()
		for _, id := range dead {
			delete(s.clients, id)
		}
		s.mu.Unlock()
	}

	return lastErr
}

// ClientCount reports how many observers are currently connected,
// mainly for tests.
func (s *Sink) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Hook adapts Sink.Broadcast into the rinterp.InstrumentFunc shape:
// it always returns ActionNoOp (0), never vetoing a Call — the sink
// observes, it does not steer execution.
func (s *Sink) Hook(_ any, funcName string, before bool, ret rvalue.Value, args []rvalue.Value) int {
	ev := Event{FuncName: funcName, Before: before}
	if !before {
		ev.Return = ret.String()
	}
	for _, a := range args {
		ev.Args = append(ev.Args, a.String())
	}
	if err := s.Broadcast(ev); err != nil {
		log.Printf("rinstrument: broadcast failed: %v", err)
	}
	return 0
}
