//go:build linux

package reader

import (
	"testing"
	"time"

	"github.com/snapetech/dvbrecorder/internal/listener"
	"github.com/snapetech/dvbrecorder/internal/psi"
	"github.com/snapetech/dvbrecorder/internal/rewriter"
	"github.com/snapetech/dvbrecorder/internal/tspacket"
	"github.com/snapetech/dvbrecorder/internal/tuner"
)

// newTestCoordinator builds a Coordinator with its own event thread but
// without ever touching a real frontend: handleTuneIn/dataThread are never
// exercised directly by these tests, only the plumbing around them.
func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	fabric := listener.New(1000)
	t.Cleanup(fabric.Close)
	c := New(1, fabric)
	t.Cleanup(c.StopThread)
	return c
}

func makePacket(pid uint16) tspacket.Packet {
	var p tspacket.Packet
	p[0] = tspacket.SyncByte
	p.SetPID(pid)
	return p
}

func TestOnPacketExcludesPATAndPMTPidsFromFanOut(t *testing.T) {
	c := newTestCoordinator(t)

	delivered := make(chan uint16, 8)
	sink := listener.Sink{Callback: func(data []byte, _ any) {
		delivered <- (uint16(data[1])<<8 | uint16(data[2])) & 0x1FFF
	}}
	id := c.SetListener(sink, psi.FilterAll)
	c.fabric.Continue(id)

	// Drain the PAT/PMT priming deliveries (both nil at SetListener time, so
	// none should arrive yet).
	select {
	case pid := <-delivered:
		t.Fatalf("unexpected priming delivery for pid %d before any PMT is known", pid)
	case <-time.After(100 * time.Millisecond):
	}

	patPacket := makePacket(psi.PIDPAT)
	c.onPacket(&patPacket)

	select {
	case pid := <-delivered:
		t.Fatalf("PAT pid %d must never be fanned out live", pid)
	case <-time.After(100 * time.Millisecond):
	}

	// A PID with no classified filter (never seen in a PMT) must not be
	// fanned out either, since onPacket only forwards classified PIDs.
	unclassified := makePacket(9999)
	c.onPacket(&unclassified)
	select {
	case pid := <-delivered:
		t.Fatalf("unclassified pid %d should not be fanned out", pid)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDrainPSIEventsPrimesOnPatChanged(t *testing.T) {
	c := newTestCoordinator(t)

	rw := rewriter.New()
	c.rw = rw

	delivered := make(chan uint16, 8)
	sink := listener.Sink{Callback: func(data []byte, _ any) {
		delivered <- (uint16(data[1])<<8 | uint16(data[2])) & 0x1FFF
	}}
	id := c.SetListener(sink, psi.FilterAll)
	c.fabric.Continue(id)

	// SetListener primed with whatever LastPAT/LastPMT existed at
	// registration time (both empty here, since RenderPAT is called after).
	select {
	case <-delivered:
		t.Fatal("unexpected priming delivery before PatChanged")
	case <-time.After(50 * time.Millisecond):
	}

	pat := rw.RenderPAT(1, 1, 256)
	c.psiEvents <- psi.Event{Kind: psi.EventPatChanged}
	c.drainPSIEvents()

	select {
	case pid := <-delivered:
		if pid != pat[0].PID() {
			t.Fatalf("expected primed PAT pid %d, got %d", pat[0].PID(), pid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a Prime delivery after EventPatChanged")
	}
}

func TestDrainPSIEventsPublishesTableChanges(t *testing.T) {
	c := newTestCoordinator(t)

	c.psiEvents <- psi.Event{Kind: psi.EventEitChanged, TableID: 0x50}
	c.drainPSIEvents()

	select {
	case ev := <-c.status:
		if ev.Table != TableEIT || ev.TableID != 0x50 {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an EIT status event")
	}

	c.psiEvents <- psi.Event{Kind: psi.EventSdtChanged}
	c.drainPSIEvents()

	select {
	case ev := <-c.status:
		if ev.Table != TableSDT {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an SDT status event")
	}
}

func TestStopThreadAfterFailedTuneInDoesNotHang(t *testing.T) {
	fabric := listener.New(1000)
	defer fabric.Close()
	c := New(1, fabric)

	// Enqueue a TuneIn against an adapter index that cannot exist, so
	// handleTuneIn will fail fast inside tuner.Open without touching real
	// hardware state beyond that failed open call.
	done := make(chan error, 1)
	go func() {
		done <- c.TuneIn(9999, tuner.TunerConfig{}, nil, 1)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected tuning adapter 9999 to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("TuneIn did not return")
	}

	c.StopThread()

	// A second StopThread call (or TuneIn after shutdown) must not hang: the
	// event thread has already exited, so assert wg.Wait returns promptly.
	stopped := make(chan struct{})
	go func() {
		c.StopThread()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("second StopThread call hung")
	}
}
