//go:build linux

package recorder

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/snapetech/dvbrecorder/internal/listener"
	"github.com/snapetech/dvbrecorder/internal/reader"
)

func newTestRecorder(t *testing.T, pattern string) (*Recorder, string) {
	t.Helper()
	fabric := listener.New(1000)
	t.Cleanup(fabric.Close)
	rc := reader.New(1, fabric)
	t.Cleanup(rc.StopThread)

	dir := t.TempDir()
	return New(rc, dir, pattern), dir
}

func TestStartRefusesWhenStreamNotRunning(t *testing.T) {
	r, _ := newTestRecorder(t, "")
	if err := r.Start(0); err != ErrStreamNotRunning {
		t.Fatalf("got %v, want ErrStreamNotRunning", err)
	}
}

func TestStartRefusesWhenAlreadyRecording(t *testing.T) {
	r, _ := newTestRecorder(t, "")
	// White-box: force the "already recording" branch without needing a
	// real tuned frontend, since that requires /dev/dvb hardware.
	r.status = StatusRecording
	if err := r.Start(0); err != ErrAlreadyRecording {
		t.Fatalf("got %v, want ErrAlreadyRecording", err)
	}
}

func TestMakeFilenameInterpolatesDateAndEmptyServiceName(t *testing.T) {
	r, dir := newTestRecorder(t, "capture-${date:%Y}-${service_name}.ts")
	got := r.makeFilename()

	year := strconv.Itoa(time.Now().Year())
	want := filepath.Join(dir, "capture-"+year+"-.ts")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestOnDataWritesAndAccumulatesSize(t *testing.T) {
	r, dir := newTestRecorder(t, "")
	f, err := os.CreateTemp(dir, "rec-*.ts")
	if err != nil {
		t.Fatal(err)
	}
	r.fd = f
	r.status = StatusRecording
	r.startTime = time.Now()

	payload := []byte("0123456789")
	r.onData(payload, nil)
	r.onData(payload, nil)

	if got := r.size.Load(); got != int64(2*len(payload)) {
		t.Fatalf("size = %d, want %d", got, 2*len(payload))
	}

	st := r.QueryStatus()
	if st.FileSize != int64(2*len(payload)) || st.Status != StatusRecording {
		t.Fatalf("got %+v", st)
	}

	f.Close()
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2*len(payload) {
		t.Fatalf("file has %d bytes, want %d", len(data), 2*len(payload))
	}
}

func TestOnDataStopsRecordingOnWriteError(t *testing.T) {
	r, dir := newTestRecorder(t, "")
	f, err := os.CreateTemp(dir, "rec-*.ts")
	if err != nil {
		t.Fatal(err)
	}
	f.Close() // writes to a closed fd fail
	r.fd = f
	r.status = StatusRecording
	r.startTime = time.Now()

	r.onData([]byte("x"), nil)

	st := r.QueryStatus()
	if st.Status != StatusStopped {
		t.Fatalf("expected StatusStopped after a write error, got %+v", st)
	}

	select {
	case ev := <-r.Events():
		if ev.Status != StatusStopped {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a RecordStatusChanged{Stopped} event")
	}
}
