// Package statusapi is the daemon's observability surface: stream/record
// status as JSON, a Prometheus /metrics endpoint, and an EPG snapshot,
// served over plaintext HTTP/2 (h2c) so clients that speak HTTP/2 in the
// clear get it without TLS termination in front of this process. It never
// serves the transport stream itself — that stays an in-process API.
package statusapi

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/snapetech/dvbrecorder/internal/metrics"
	"github.com/snapetech/dvbrecorder/internal/psi"
	"github.com/snapetech/dvbrecorder/internal/reader"
	"github.com/snapetech/dvbrecorder/internal/recorder"
)

// StreamStatusSource is the subset of *reader.Coordinator the status
// endpoint needs, named as an interface so tests can fake it.
type StreamStatusSource interface {
	StreamStatus() reader.StreamStatus
	Tracker() *psi.Tracker
}

// RecordStatusSource is the subset of *recorder.Recorder the status
// endpoint needs.
type RecordStatusSource interface {
	QueryStatus() recorder.Status
}

// Server is the in-process status/metrics/epg HTTP endpoint.
type Server struct {
	addr string
	m    *metrics.Metrics
	rc   StreamStatusSource
	rec  RecordStatusSource

	httpSrv *http.Server
}

// New returns a Server bound to addr (not yet listening). rec may be nil if
// no recorder has been wired up yet (/status then omits the record fields).
func New(addr string, m *metrics.Metrics, rc StreamStatusSource, rec RecordStatusSource) *Server {
	s := &Server{addr: addr, m: m, rc: rc, rec: rec}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/epg", s.handleEPG)
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}
	return s
}

// ListenAndServe starts the server in the background.
func (s *Server) ListenAndServe() {
	log.Printf("statusapi: listening on %s", s.addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("statusapi: %v", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type statusResponse struct {
	Stream         string  `json:"stream_status"`
	Service        string  `json:"service_name,omitempty"`
	Provider       string  `json:"service_provider,omitempty"`
	RecordStatus   string  `json:"record_status,omitempty"`
	FileSizeBytes  int64   `json:"record_file_size_bytes,omitempty"`
	ElapsedSeconds float64 `json:"record_elapsed_seconds,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Stream: streamStatusName(s.rc.StreamStatus())}
	if svc := s.rc.Tracker().ServiceInfo(); svc.Name != "" || svc.Provider != "" {
		resp.Service = svc.Name
		resp.Provider = svc.Provider
	}
	if s.rec != nil {
		st := s.rec.QueryStatus()
		resp.RecordStatus = recordStatusName(st.Status)
		resp.FileSizeBytes = st.FileSize
		resp.ElapsedSeconds = st.ElapsedSeconds
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type epgEventResponse struct {
	EventID       uint16 `json:"event_id"`
	StartTime     string `json:"start_time"`
	DurationSecs  int64  `json:"duration_seconds"`
	RunningStatus byte   `json:"running_status"`
	Title         string `json:"title,omitempty"`
}

// handleEPG serves the present/following EIT table (0x4e) as JSON, brotli
// or gzip compressed when the client advertises support for it.
func (s *Server) handleEPG(w http.ResponseWriter, r *http.Request) {
	const presentFollowingTableID = 0x4e
	table := s.rc.Tracker().EitTable(presentFollowingTableID)

	events := []epgEventResponse{}
	if table != nil {
		for _, ev := range table.Events {
			out := epgEventResponse{
				EventID:       ev.EventID,
				StartTime:     ev.StartTime.Format(time.RFC3339),
				DurationSecs:  int64(ev.Duration.Seconds()),
				RunningStatus: byte(ev.RunningStatus),
			}
			if len(ev.ShortDescs) > 0 {
				out.Title = ev.ShortDescs[0].Title
			}
			events = append(events, out)
		}
	}

	body, err := json.Marshal(events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeCompressed(w, r, body)
}

// writeCompressed picks brotli (preferred) or gzip from Accept-Encoding,
// falling back to an uncompressed body when neither is offered.
func writeCompressed(w http.ResponseWriter, r *http.Request, body []byte) {
	accept := r.Header.Get("Accept-Encoding")
	switch {
	case strings.Contains(accept, "br"):
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		defer bw.Close()
		bw.Write(body)
	case strings.Contains(accept, "gzip"):
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		gw.Write(body)
	default:
		w.Write(body)
	}
}

func streamStatusName(s reader.StreamStatus) string {
	switch s {
	case reader.StreamTuneFailed:
		return "tune_failed"
	case reader.StreamTuned:
		return "tuned"
	case reader.StreamRunning:
		return "running"
	default:
		return "unknown"
	}
}

func recordStatusName(s recorder.RecordStatus) string {
	switch s {
	case recorder.StatusRecording:
		return "recording"
	case recorder.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
