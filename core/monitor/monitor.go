// Package monitor serves per-frame acquisition statistics to
// websocket clients, outside the data plane.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/sdrkit/quadriga/core/daq"
)

const writeTimeout = 5 * time.Second

// statusRecord is the JSON shape of one broadcast frame record.
type statusRecord struct {
	BlockIndex  uint32 `json:"block_index"`
	FrameType   string `json:"frame_type"`
	Overdrive   uint32 `json:"adc_overdrive_flags"`
	NoiseSource bool   `json:"noise_source_state"`
	TimeStamp   uint64 `json:"time_stamp"`
}

// Server broadcasts frame statistics on /status. Slow or broken
// clients are dropped; the aligner never waits on the monitor.
type Server struct {
	srv      *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	broadcast chan daq.FrameStats
}

// NewServer returns a status server listening on the given port once
// run.
func NewServer(port int) *Server {
	s := &Server{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan daq.FrameStats, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	return s
}

// Run serves until stop is closed.
func (s *Server) Run(stop chan struct{}, wait *sync.WaitGroup) {
	wait.Add(2)
	go func() {
		defer wait.Done()
		log.Info("status server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status server failed", "error", err)
		}
	}()
	go func() {
		defer wait.Done()
		for {
			select {
			case stats := <-s.broadcast:
				s.broadcastStats(stats)
			case <-stop:
				s.srv.Close()
				s.closeClients()
				return
			}
		}
	}()
}

// Publish queues frame statistics for broadcast without blocking; the
// record is dropped when the queue is full.
func (s *Server) Publish(stats daq.FrameStats) {
	select {
	case s.broadcast <- stats:
	default:
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", "error", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	log.Debug("status client connected", "remote", conn.RemoteAddr())

	// drain the client side to notice a close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.drop(conn)
				return
			}
		}
	}()
}

func (s *Server) broadcastStats(stats daq.FrameStats) {
	record, err := json.Marshal(statusRecord{
		BlockIndex:  stats.BlockIndex,
		FrameType:   stats.FrameType.String(),
		Overdrive:   stats.Overdrive,
		NoiseSource: stats.NoiseSource,
		TimeStamp:   stats.TimeStamp,
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, record); err != nil {
			s.drop(conn)
		}
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.WriteMessage(websocket.CloseMessage, []byte{})
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
}
