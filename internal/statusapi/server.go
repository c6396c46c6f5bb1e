// Package statusapi exposes a read-only operational surface: health,
// the latest cycle report with running totals, and a websocket feed
// that pushes every completed cycle's report.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/calbridge/internal/calsync"
)

const subscriberBuffer = 8

// Status is the /status response body.
type Status struct {
	StartedAt     time.Time            `json:"started_at"`
	Cycles        int                  `json:"cycles"`
	FailedCycles  int                  `json:"failed_cycles"`
	TotalCreated  int                  `json:"total_created"`
	TotalUpdated  int                  `json:"total_updated"`
	TotalDeleted  int                  `json:"total_deleted"`
	TotalPurged   int                  `json:"total_purged"`
	LastReport    *calsync.CycleReport `json:"last_report,omitempty"`
	LastReportEnd *time.Time           `json:"last_report_end,omitempty"`
}

// Server implements http.Handler. Record is called by the poll loop's
// OnReport hook. A nil store disables the /mappings listing.
type Server struct {
	store  calsync.Store
	logger calsync.Logger

	mu          sync.Mutex
	status      Status
	subscribers map[chan calsync.CycleReport]struct{}
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

func NewServer(store calsync.Store, logger calsync.Logger) *Server {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Server{
		store:       store,
		logger:      logger,
		status:      Status{StartedAt: time.Now()},
		subscribers: map[chan calsync.CycleReport]struct{}{},
	}
}

// Record folds a cycle report into the totals and fans it out to
// websocket subscribers. Slow subscribers drop reports rather than
// block the loop.
func (s *Server) Record(report calsync.CycleReport) {
	s.mu.Lock()
	s.status.Cycles++
	if report.Err != "" {
		s.status.FailedCycles++
	}
	for _, pair := range report.Counters {
		s.status.TotalCreated += pair.Created
		s.status.TotalUpdated += pair.Updated
		s.status.TotalDeleted += pair.Deleted
	}
	s.status.TotalPurged += report.Purged.Total()
	s.status.LastReport = &report
	end := report.StartedAt.Add(report.Duration)
	s.status.LastReportEnd = &end
	subscribers := make([]chan calsync.CycleReport, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subscribers = append(subscribers, ch)
	}
	s.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- report:
		default:
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/healthz":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/status":
		s.mu.Lock()
		status := s.status
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, status)
	case "/mappings":
		s.handleMappings(w, r)
	case "/ws":
		s.handleFeed(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rows, err := s.store.AllMappings(r.Context())
	if err != nil {
		s.logger.Printf("statusapi: list mappings failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "mapping listing unavailable"})
		return
	}
	if rows == nil {
		rows = []calsync.MappingRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("statusapi: websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := make(chan calsync.CycleReport, subscriberBuffer)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, report)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
