//go:build linux

// Package recorder is the one well-known listener that materializes a tuned
// stream to disk: a filename rendered from a placeholder pattern, a fd kept
// open for the duration of the recording, and a byte counter that stops the
// recording on the first write error.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/snapetech/dvbrecorder/internal/listener"
	"github.com/snapetech/dvbrecorder/internal/metrics"
	"github.com/snapetech/dvbrecorder/internal/psi"
	"github.com/snapetech/dvbrecorder/internal/reader"
)

// RecordStatus is the recorder's externally visible state.
type RecordStatus int

const (
	StatusUnknown RecordStatus = iota
	StatusRecording
	StatusStopped
)

// ErrAlreadyRecording is returned by Start when a recording is already in
// progress.
var ErrAlreadyRecording = errors.New("recorder: already recording")

// ErrStreamNotRunning is returned by Start when the reader's stream status
// is not Running.
var ErrStreamNotRunning = errors.New("recorder: stream is not running")

// StatusEvent notifies the recorder's owner of a RecordStatus change.
type StatusEvent struct {
	Status RecordStatus
}

var placeholderPattern = regexp.MustCompile(
	`\$\{service_name\}|\$\{service_provider\}|\$\{program_name\}|\$\{date:[^}]*\}`)

// Recorder writes one tuned program's elementary streams to a file whose
// name is generated from a placeholder pattern at record_start time.
type Recorder struct {
	rc         *reader.Coordinator
	captureDir string
	pattern    string

	events chan StatusEvent

	mu         sync.Mutex
	fd         *os.File
	filename   string
	status     RecordStatus
	startTime  time.Time
	endTime    time.Time
	listenerID uuidHolder

	size atomic.Int64

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector set the recorder updates on start/stop and
// on write error.
func (r *Recorder) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// uuidHolder avoids importing google/uuid into this file's signature surface
// just to carry an optional ID; zero value means "no listener registered".
type uuidHolder struct {
	id  [16]byte
	set bool
}

// New returns a Recorder that writes into captureDir using pattern as the
// filename template; pattern defaults to "capture-${date:%Y%m%d-%H%M%S}.ts"
// when empty.
func New(rc *reader.Coordinator, captureDir, pattern string) *Recorder {
	if pattern == "" {
		pattern = "capture-${date:%Y%m%d-%H%M%S}.ts"
	}
	return &Recorder{
		rc:         rc,
		captureDir: captureDir,
		pattern:    pattern,
		events:     make(chan StatusEvent, 8),
	}
}

// Events returns the channel RecordStatusChanged events are published on.
func (r *Recorder) Events() <-chan StatusEvent { return r.events }

// Start begins recording with the given fan-out filter (psi.FilterAll if
// filter == 0), refusing to start a second recording or to start while the
// stream is not Running.
func (r *Recorder) Start(filter psi.FilterMask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusRecording {
		return ErrAlreadyRecording
	}
	if r.rc.StreamStatus() != reader.StreamRunning {
		return ErrStreamNotRunning
	}
	if filter == 0 {
		filter = psi.FilterAll
	}

	filename := r.makeFilename()
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("recorder: mkdir %s: %w", filepath.Dir(filename), err)
	}
	fd, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("recorder: open %s: %w", filename, err)
	}

	r.fd = fd
	r.filename = filename
	r.size.Store(0)
	r.startTime = time.Now()
	r.status = StatusRecording

	id := r.rc.SetListener(listener.Sink{Callback: r.onData}, filter)
	r.listenerID = uuidHolder{id: id, set: true}
	r.rc.ContinueListener(id)

	if r.metrics != nil {
		r.metrics.SetRecordingActive(true)
	}
	r.publish(StatusEvent{Status: StatusRecording})
	return nil
}

// Stop ends the current recording, if any. It is safe to call when no
// recording is active.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Recorder) stopLocked() {
	if r.status != StatusRecording {
		return
	}
	if r.listenerID.set {
		r.rc.RemoveListener(r.listenerID.id)
		r.listenerID = uuidHolder{}
	}
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}
	r.status = StatusStopped
	r.endTime = time.Now()
	if r.metrics != nil {
		r.metrics.SetRecordingActive(false)
	}
	r.publish(StatusEvent{Status: StatusStopped})
}

// Status is query_record_status's {status, filesize, elapsed_seconds}
// response.
type Status struct {
	Status         RecordStatus
	FileSize       int64
	ElapsedSeconds float64
}

// QueryStatus reports the current recording's size and elapsed time, or the
// previous recording's final tally once stopped.
func (r *Recorder) QueryStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.endTime
	if r.status == StatusRecording {
		end = time.Now()
	}
	return Status{
		Status:         r.status,
		FileSize:       r.size.Load(),
		ElapsedSeconds: end.Sub(r.startTime).Seconds(),
	}
}

// onData is the listener callback that writes delivered packets to the
// open file, stopping the recording on the first write error.
func (r *Recorder) onData(data []byte, _ any) {
	r.mu.Lock()
	fd := r.fd
	active := r.status == StatusRecording
	r.mu.Unlock()
	if !active || fd == nil {
		return
	}

	if err := writeAll(fd, data); err != nil {
		if r.metrics != nil {
			r.metrics.WriteErrors.Inc()
		}
		r.Stop()
		return
	}
	r.size.Add(int64(len(data)))
}

func writeAll(fd *os.File, data []byte) error {
	for len(data) > 0 {
		n, err := fd.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		data = data[n:]
	}
	return nil
}

func (r *Recorder) publish(e StatusEvent) {
	select {
	case r.events <- e:
	default:
	}
}

// makeFilename renders r.pattern against the currently tracked service/EPG
// info and the current time, substituting "/" with "_" in interpolated
// values first so a service name cannot escape the capture directory.
func (r *Recorder) makeFilename() string {
	tr := r.rc.Tracker()
	svc := tr.ServiceInfo()
	programName := ""
	if ev, ok := tr.CurrentlyRunning(time.Now()); ok && len(ev.ShortDescs) > 0 {
		programName = ev.ShortDescs[0].Title
	}
	now := time.Now()

	name := placeholderPattern.ReplaceAllStringFunc(r.pattern, func(tok string) string {
		switch {
		case tok == "${service_name}":
			return sanitizePathComponent(svc.Name)
		case tok == "${service_provider}":
			return sanitizePathComponent(svc.Provider)
		case tok == "${program_name}":
			return sanitizePathComponent(programName)
		case strings.HasPrefix(tok, "${date:"):
			layout := strings.TrimSuffix(strings.TrimPrefix(tok, "${date:"), "}")
			return strftime.Format(layout, now)
		default:
			return tok
		}
	})
	return filepath.Join(r.captureDir, name)
}

func sanitizePathComponent(s string) string {
	return strings.ReplaceAll(s, string(filepath.Separator), "_")
}
