package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"apparatuslink/internal/apparatus"
	"apparatuslink/internal/protocol"
	"apparatuslink/internal/transport"
)

// Server polls the measurement engines and exposes the apparatus over
// HTTP: a WebSocket state stream plus a small REST API for LED control
// and measurements.
type Server struct {
	cfg   *Config
	app   *apparatus.Apparatus
	webFS fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Link  *LinkStatus  `json:"link,omitempty"`
	Force *ForceStatus `json:"force,omitempty"`
	Reed  *ReedStatus  `json:"reed,omitempty"`
	Stamp int64        `json:"stamp"` // Unix ms
}

// LinkStatus describes the apparatus connection.
type LinkStatus struct {
	Connected bool   `json:"connected"`
	Type      string `json:"type"`
	Port      string `json:"port,omitempty"`
}

// ForceStatus is the live view of the force engine.
type ForceStatus struct {
	Measuring bool          `json:"measuring"`
	Samples   int           `json:"samples"`
	White     ChannelStatus `json:"white"`
	Blue      ChannelStatus `json:"blue"`
}

// ChannelStatus summarizes one dynamometer channel.
type ChannelStatus struct {
	Current float64 `json:"current"`
	Max     float64 `json:"max"`
	Count   int     `json:"count"`
}

// ReedStatus is the live view of the reed engine.
type ReedStatus struct {
	Measuring  bool                    `json:"measuring"`
	States     []bool                  `json:"states"`
	EventCount int                     `json:"eventCount"`
	Recent     []apparatus.ReedEvent   `json:"recent,omitempty"`
	Summary    []apparatus.HoleSummary `json:"summary,omitempty"`
}

// New creates a new Server.
func New(cfg *Config, app *apparatus.Apparatus, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		app:     app,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the engine poll loop.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// REST API
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/led", s.handleLED)
	mux.HandleFunc("/api/force/start", s.handleForceStart)
	mux.HandleFunc("/api/force/stop", s.handleForceStop)
	mux.HandleFunc("/api/reed/start", s.handleReedStart)
	mux.HandleFunc("/api/reed/stop", s.handleReedStop)

	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Send an initial snapshot so the UI renders immediately
	if data, err := json.Marshal(s.snapshot()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

// pollLoop folds newly arrived samples into the engines and broadcasts
// a state frame at the configured rate.
func (s *Server) pollLoop(ctx context.Context) {
	hz := s.cfg.Server.PollHz
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.app.Connected() {
				s.app.Force().Update()
				s.app.Reed().Update()
			}
			s.broadcast(s.snapshot())
		}
	}
}

// snapshot builds the frame served by /api/status and pushed over the
// WebSocket.
func (s *Server) snapshot() Frame {
	force := s.app.Force()
	reed := s.app.Reed()

	white := force.White()
	blue := force.Blue()
	forceStatus := &ForceStatus{
		Measuring: force.Measuring(),
		Samples:   force.SampleCount(),
		White:     ChannelStatus{Current: white.Current, Max: white.Max, Count: len(white.Values)},
		Blue:      ChannelStatus{Current: blue.Current, Max: blue.Max, Count: len(blue.Values)},
	}

	events := reed.Events()
	recent := events
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	states := reed.States()
	reedStatus := &ReedStatus{
		Measuring:  reed.Measuring(),
		States:     states[:],
		EventCount: len(events),
		Recent:     recent,
		Summary:    reed.Summary(),
	}

	return Frame{
		Link: &LinkStatus{
			Connected: s.app.Connected(),
			Type:      s.cfg.Apparatus.Type,
			Port:      s.cfg.Apparatus.PortPath,
		},
		Force: forceStatus,
		Reed:  reedStatus,
		Stamp: time.Now().UnixMilli(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Link settings take effect on the next (re)connect
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := transport.ListPorts()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	data, err := json.Marshal(map[string][]string{"ports": ports})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// ledRequest is the POST body for /api/led. Either a shared color for a
// hole spec, a per-hole color map, or off.
type ledRequest struct {
	Holes       string              `json:"holes"`  // "all", "inner", "outer", "none" or "0,5,10"
	Color       [3]uint8            `json:"color"`  // shared color
	Colors      map[string][3]uint8 `json:"colors"` // per-hole, keyed by index
	Off         bool                `json:"off"`
	RateLimited bool                `json:"rateLimited"`
}

func (s *Server) handleLED(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req ledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if err := s.applyLED(req); err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) applyLED(req ledRequest) error {
	if req.Off {
		if req.Holes == "" || req.Holes == "all" {
			return s.app.TurnOffAllLights(req.RateLimited)
		}
		spec, err := apparatus.ParseHoleSpec(req.Holes)
		if err != nil {
			return err
		}
		return s.app.TurnOffHoleLights(spec, req.RateLimited)
	}

	if len(req.Colors) > 0 {
		colors := make(map[int]protocol.Color, len(req.Colors))
		for key, c := range req.Colors {
			idx, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("bad hole index %q", key)
			}
			colors[idx] = protocol.Color{R: c[0], G: c[1], B: c[2]}
		}
		return s.app.SetColors(colors, req.RateLimited)
	}

	spec, err := apparatus.ParseHoleSpec(req.Holes)
	if err != nil {
		return err
	}
	c := protocol.Color{R: req.Color[0], G: req.Color[1], B: req.Color[2]}
	return s.app.SetHoleLights(spec, c, req.RateLimited)
}

type forceStartRequest struct {
	Rate   float64 `json:"rate"`
	Device string  `json:"device"`
}

func (s *Server) handleForceStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	req := forceStartRequest{Rate: 100, Device: "both"}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	dev, err := protocol.ParseForceDevice(req.Device)
	if err != nil {
		httpError(w, err)
		return
	}
	if err := s.app.Force().Start(req.Rate, dev); err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleForceStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if err := s.app.Force().Stop(); err != nil {
		httpError(w, err)
		return
	}
	// final per-channel stats for the caller
	white := s.app.Force().White()
	blue := s.app.Force().Blue()
	data, _ := json.Marshal(map[string]interface{}{
		"status":  "ok",
		"samples": s.app.Force().SampleCount(),
		"white":   ChannelStatus{Current: white.Current, Max: white.Max, Count: len(white.Values)},
		"blue":    ChannelStatus{Current: blue.Current, Max: blue.Max, Count: len(blue.Values)},
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

type reedStartRequest struct {
	Rate  float64 `json:"rate"`
	Holes string  `json:"holes"`
}

func (s *Server) handleReedStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	req := reedStartRequest{Rate: 100, Holes: "all"}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	spec, err := apparatus.ParseHoleSpec(req.Holes)
	if err != nil {
		httpError(w, err)
		return
	}
	if err := s.app.Reed().Start(req.Rate, spec); err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReedStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if err := s.app.Reed().Stop(); err != nil {
		httpError(w, err)
		return
	}
	data, _ := json.Marshal(map[string]interface{}{
		"status":  "ok",
		"events":  s.app.Reed().EventCount(),
		"summary": s.app.Reed().Summary(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// decodeBody decodes an optional JSON body; an empty body keeps the
// defaults already present in v.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

// httpError maps driver errors onto HTTP status codes.
func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apparatus.ErrNotConnected):
		http.Error(w, "apparatus not connected", 503)
	case errors.Is(err, transport.ErrRateLimited):
		http.Error(w, "rate limited", 429)
	case errors.Is(err, transport.ErrNack),
		errors.Is(err, transport.ErrAckTimeout),
		errors.Is(err, transport.ErrClosed):
		http.Error(w, err.Error(), 502)
	default:
		http.Error(w, err.Error(), 400)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
