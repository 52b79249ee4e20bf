// Package telemetry is a read-only websocket tap onto the engine's
// outgoing traffic (SPEC_FULL.md §4.9). It mirrors every MSG_RX_CHAN_DATA
// and MSG_LOG frame the engine sends to the host as JSON, for live
// monitoring during bench bring-up, and is wired from a receive-only
// channel so it has no way to inject traffic back into the engine.
//
// Grounded on the pack's anodyne74-iload-obd2 repo (main.go), which
// broadcasts live OBD2 telemetry to browser clients the same way: a
// gorilla/websocket Upgrader, a mutex-guarded connection set, and a
// broadcast-to-all helper.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/vdiagfw/engine/pkg/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is the JSON shape mirrored to every connected client.
type Frame struct {
	IsLog     bool   `json:"isLog,omitempty"`
	ChannelID byte   `json:"channelId,omitempty"`
	RxStatus  uint32 `json:"rxStatus,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Server serves the websocket endpoint and fans out TelemetryFrames to
// every connected client.
type Server struct {
	addr   string
	logger *logrus.Entry

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func New(addr string, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		addr:    addr,
		logger:  logger.WithField("component", "telemetry"),
		clients: make(map[*websocket.Conn]bool),
	}
}

// Handler returns the websocket endpoint as an http.Handler, for embedding
// into a caller's own mux instead of Run's standalone server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.mu.Lock()
	s.clients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, ws)
		s.mu.Unlock()
		ws.Close()
	}()

	// Clients never send anything meaningful; read until the connection
	// closes so the server notices disconnects.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) broadcast(f engine.TelemetryFrame) {
	payload, err := json.Marshal(Frame{
		IsLog:     f.IsLog,
		ChannelID: f.ChannelID,
		RxStatus:  f.RxStatus,
		Data:      f.Data,
		Text:      f.Text,
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed marshaling telemetry frame")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.Close()
			delete(s.clients, c)
		}
	}
}

// Run serves the websocket endpoint at addr and mirrors every frame
// received on tap until ctx is cancelled or tap is closed. tap is
// receive-only: this server cannot inject traffic back into the engine.
func (s *Server) Run(ctx context.Context, tap <-chan engine.TelemetryFrame) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	httpServer := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	for {
		select {
		case <-ctx.Done():
			_ = httpServer.Close()
			return ctx.Err()
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		case f, ok := <-tap:
			if !ok {
				return nil
			}
			s.broadcast(f)
		}
	}
}
