package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/snapetech/dvbrecorder/internal/metrics"
	"github.com/snapetech/dvbrecorder/internal/psi"
	"github.com/snapetech/dvbrecorder/internal/reader"
	"github.com/snapetech/dvbrecorder/internal/recorder"
	"github.com/snapetech/dvbrecorder/internal/rewriter"
)

type fakeStreamSource struct {
	status  reader.StreamStatus
	tracker *psi.Tracker
}

func (f fakeStreamSource) StreamStatus() reader.StreamStatus { return f.status }
func (f fakeStreamSource) Tracker() *psi.Tracker             { return f.tracker }

type fakeRecordSource struct {
	status recorder.Status
}

func (f fakeRecordSource) QueryStatus() recorder.Status { return f.status }

func newTestServer(rc StreamStatusSource, rec RecordStatusSource) *Server {
	return New(":0", metrics.New(), rc, rec)
}

func TestHandleStatusReportsStreamAndRecordState(t *testing.T) {
	tr := psi.New(1, rewriter.New(), nil)
	rc := fakeStreamSource{status: reader.StreamRunning, tracker: tr}
	rec := fakeRecordSource{status: recorder.Status{Status: recorder.StatusRecording, FileSize: 1234, ElapsedSeconds: 5.5}}
	s := newTestServer(rc, rec)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.handleStatus(w, req)

	var got statusResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Stream != "running" || got.RecordStatus != "recording" || got.FileSizeBytes != 1234 {
		t.Fatalf("got %+v", got)
	}
}

func TestHandleStatusWithNoRecorderOmitsRecordFields(t *testing.T) {
	tr := psi.New(1, rewriter.New(), nil)
	rc := fakeStreamSource{status: reader.StreamTuned, tracker: tr}
	s := New(":0", metrics.New(), rc, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.handleStatus(w, req)

	var got statusResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Stream != "tuned" || got.RecordStatus != "" {
		t.Fatalf("got %+v", got)
	}
}

func TestHandleEPGReturnsEmptyArrayWithNoTable(t *testing.T) {
	tr := psi.New(1, rewriter.New(), nil)
	rc := fakeStreamSource{status: reader.StreamRunning, tracker: tr}
	s := newTestServer(rc, nil)

	req := httptest.NewRequest(http.MethodGet, "/epg", nil)
	w := httptest.NewRecorder()
	s.handleEPG(w, req)

	if w.Body.String() != "null" && w.Body.String() != "[]" {
		t.Fatalf("got body %q", w.Body.String())
	}
}

func TestHandleEPGCompressesWithBrotliWhenRequested(t *testing.T) {
	tr := psi.New(1, rewriter.New(), nil)
	rc := fakeStreamSource{status: reader.StreamRunning, tracker: tr}
	s := newTestServer(rc, nil)

	req := httptest.NewRequest(http.MethodGet, "/epg", nil)
	req.Header.Set("Accept-Encoding", "br")
	w := httptest.NewRecorder()
	s.handleEPG(w, req)

	if w.Header().Get("Content-Encoding") != "br" {
		t.Fatalf("expected br Content-Encoding, got %q", w.Header().Get("Content-Encoding"))
	}
}
