//go:build linux

// Package reader owns the pipeline that turns a tuned DVB-S/S2 frontend's
// byte stream into fanned-out TS packets: an event goroutine that
// serializes TuneIn/StopThread commands and a data goroutine that reads,
// resynchronises, feeds the PSI tracker, and invokes the listener fabric.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/dvbrecorder/internal/listener"
	"github.com/snapetech/dvbrecorder/internal/metrics"
	"github.com/snapetech/dvbrecorder/internal/psi"
	"github.com/snapetech/dvbrecorder/internal/resync"
	"github.com/snapetech/dvbrecorder/internal/rewriter"
	"github.com/snapetech/dvbrecorder/internal/tspacket"
	"github.com/snapetech/dvbrecorder/internal/tuner"
)

// StreamStatus is the reader's externally visible stream state.
type StreamStatus int

const (
	StreamUnknown StreamStatus = iota
	StreamTuned
	StreamTuneFailed
	StreamRunning
	StreamStopped
	StreamEos
)

// StatusEvent is a tagged status notification, restricted to the
// stream-status / table-change variants the reader coordinator itself
// produces (listener status comes from internal/listener.StatusEvent).
type StatusEvent struct {
	Stream  StreamStatus
	Table   EventTable // which PSI structure changed, if any
	TableID byte       // meaningful when Table == TableEIT
}

// EventTable names which PSI/SI structure a StatusEvent.Table refers to.
type EventTable int

const (
	TableNone EventTable = iota
	TableEIT
	TableSDT
)

// command is a TuneIn request on the event thread's FIFO. StopThread is not
// represented here: it is a priority sentinel delivered on its own channel
// so it always preempts queued TuneIns.
type command struct {
	config        tuner.TunerConfig
	pids          []uint16
	programNumber uint16
	adapterIndex  int
	result        chan error
}

// Coordinator is the reader pipeline: one event-thread goroutine serializing
// TuneIn/StopThread, and (while tuned) one data-thread goroutine reading the
// frontend, resynchronising, feeding the PSI tracker, and fanning packets
// out to the listener fabric.
type Coordinator struct {
	commands chan command
	stop     chan struct{}
	status   chan StatusEvent

	fabric *listener.Fabric

	mu        sync.Mutex // guards frontend/tracker/resync; EventThread owns tuning
	frontend  *tuner.Frontend
	tr        *psi.Tracker
	rw        *rewriter.Rewriter
	rs        *resync.Resynchroniser
	psiEvents chan psi.Event

	dataCancel context.CancelFunc
	dataDone   chan struct{}

	streamStatus atomic.Int32 // last published StreamStatus, for synchronous queries (e.g. recorder's record_start gate)

	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// SetMetrics attaches a collector set to the coordinator and its fabric.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	c.fabric.SetMetrics(m)
}

// New returns a Coordinator targeting programNumber, fanning out through
// fabric. Listener write-rate limiting is owned by the Fabric itself.
func New(programNumber uint16, fabric *listener.Fabric) *Coordinator {
	rw := rewriter.New()
	psiEvents := make(chan psi.Event, 32)
	c := &Coordinator{
		commands:  make(chan command, 64),
		stop:      make(chan struct{}, 1),
		status:    make(chan StatusEvent, 32),
		fabric:    fabric,
		rw:        rw,
		tr:        psi.New(programNumber, rw, psiEvents),
		rs:        resync.New(),
		psiEvents: psiEvents,
	}
	c.wg.Add(1)
	go c.eventThread()
	return c
}

// Status returns the channel stream-status and table-change events are
// published on.
func (c *Coordinator) Status() <-chan StatusEvent { return c.status }

// StreamStatus returns the most recently published stream status without
// waiting on the Status() channel, so callers like internal/recorder can
// gate record_start synchronously.
func (c *Coordinator) StreamStatus() StreamStatus { return StreamStatus(c.streamStatus.Load()) }

// RemoveListener unregisters a previously registered listener.
func (c *Coordinator) RemoveListener(id uuid.UUID) { c.fabric.Quit(id) }

// ContinueListener marks a registered listener as running, so its queued
// deliveries (including any priming PAT/PMT) start flowing.
func (c *Coordinator) ContinueListener(id uuid.UUID) { c.fabric.Continue(id) }

// Tracker exposes the PSI tracker for read-only status queries (ActivePids,
// ServiceInfo, EitTable, CurrentlyRunning). The tracker's mutable state is
// only ever written from the data goroutine; TuneIn synchronises with it
// through the command queue.
func (c *Coordinator) Tracker() *psi.Tracker { return c.tr }

// TuneIn enqueues a TuneIn command and blocks until the pipeline reset, tuner
// call, and (on success) data-thread start have completed.
func (c *Coordinator) TuneIn(adapterIndex int, cfg tuner.TunerConfig, pids []uint16, programNumber uint16) error {
	result := make(chan error, 1)
	c.commands <- command{
		config:        cfg,
		pids:          pids,
		programNumber: programNumber,
		adapterIndex:  adapterIndex,
		result:        result,
	}
	return <-result
}

// StopThread pushes the shutdown sentinel to the head of the command queue
// and waits for the event thread to exit.
func (c *Coordinator) StopThread() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
	c.wg.Wait()
}

// eventThread drains the command queue, always preferring the stop
// sentinel over queued TuneIns.
func (c *Coordinator) eventThread() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			c.shutdown()
			return
		case cmd := <-c.commands:
			select {
			case <-c.stop:
				c.shutdown()
				return
			default:
			}
			cmd.result <- c.handleTuneIn(cmd)
		}
	}
}

// shutdown tears down the data thread and the frontend, if any.
func (c *Coordinator) shutdown() {
	c.stopDataThread()
	c.mu.Lock()
	if c.frontend != nil {
		c.frontend.Stop()
		c.frontend = nil
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetTunerLocked(false)
	}
}

// handleTuneIn resets the pipeline, calls the tuner driver, and on success
// starts the data thread, emitting TuneFailed|Tuned|Running in order.
func (c *Coordinator) handleTuneIn(cmd command) error {
	c.stopDataThread()

	c.mu.Lock()
	if c.frontend != nil {
		c.frontend.Stop()
		c.frontend = nil
	}
	c.rs.Reset()
	c.tr.SetTargetProgram(cmd.programNumber)
	c.tr.Reset()
	c.mu.Unlock()

	fe, err := tuner.Open(cmd.adapterIndex)
	if err != nil {
		c.publish(StatusEvent{Stream: StreamTuneFailed})
		return fmt.Errorf("reader: open adapter %d: %w", cmd.adapterIndex, err)
	}
	if err := fe.Tune(cmd.config, cmd.pids); err != nil {
		fe.Stop()
		c.publish(StatusEvent{Stream: StreamTuneFailed})
		if c.metrics != nil {
			c.metrics.SetTunerLocked(false)
		}
		return fmt.Errorf("reader: tune: %w", err)
	}
	if c.metrics != nil {
		c.metrics.SetTunerLocked(true)
	}

	c.mu.Lock()
	c.frontend = fe
	c.mu.Unlock()
	c.publish(StatusEvent{Stream: StreamTuned})

	c.startDataThread()
	c.publish(StatusEvent{Stream: StreamRunning})
	log.Printf("reader: tuned adapter=%d program=%d", cmd.adapterIndex, cmd.programNumber)
	return nil
}

func (c *Coordinator) publish(e StatusEvent) {
	if e.Table == TableNone {
		c.streamStatus.Store(int32(e.Stream))
	}
	select {
	case c.status <- e:
	default:
		log.Printf("reader: status channel full, dropping %+v", e)
	}
}

// startDataThread launches the goroutine reading the tuned frontend,
// feeding the resynchroniser, PSI tracker, and listener fabric.
func (c *Coordinator) startDataThread() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.dataCancel = cancel
	c.dataDone = done

	go c.dataThread(ctx, done)
}

// stopDataThread cancels the running data thread, if any, and waits for it
// to exit.
func (c *Coordinator) stopDataThread() {
	if c.dataCancel == nil {
		return
	}
	c.dataCancel()
	<-c.dataDone
	c.dataCancel = nil
	c.dataDone = nil
}

// dataThread reads up to 32 KiB per wake from the frontend, resynchronises
// into 188-byte packets, feeds the PSI tracker, and fans packets out to the
// listener fabric inline. Read errors other than a clean cancellation are
// tolerated (EAGAIN/EOVERFLOW keep the loop going); a zero-byte read is
// treated as EOF and broadcasts Eos.
func (c *Coordinator) dataThread(ctx context.Context, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		fe := c.frontend
		c.mu.Unlock()
		if fe == nil {
			return
		}

		n, err := fe.Read(buf)
		if errors.Is(err, os.ErrClosed) {
			// A true zero-byte read, or a torn-down frontend: treated as
			// end-of-stream.
			c.fabric.Broadcast()
			c.publish(StatusEvent{Stream: StreamEos})
			return
		}
		// EAGAIN, EOVERFLOW, and any other transient read error are
		// tolerated by continuing.
		if n > 0 {
			c.rs.Feed(buf[:n], c.onPacket)
		}
		c.drainPSIEvents()
		if n <= 0 {
			time.Sleep(5 * time.Millisecond) // avoid a busy spin on EAGAIN
		}
	}
}

// drainPSIEvents converts PatChanged/PmtChanged into a listener re-prime and
// forwards EitChanged/SdtChanged onto the status channel.
func (c *Coordinator) drainPSIEvents() {
	for {
		select {
		case ev := <-c.psiEvents:
			switch ev.Kind {
			case psi.EventPatChanged:
				c.fabric.Prime(c.rw.LastPAT(), nil)
				c.countTableChange("pat")
			case psi.EventPmtChanged:
				c.fabric.Prime(nil, c.rw.LastPMT())
				c.countTableChange("pmt")
			case psi.EventEitChanged:
				c.publish(StatusEvent{Table: TableEIT, TableID: ev.TableID})
				c.countTableChange("eit")
			case psi.EventSdtChanged:
				c.publish(StatusEvent{Table: TableSDT})
				c.countTableChange("sdt")
			}
		default:
			return
		}
	}
}

func (c *Coordinator) countTableChange(table string) {
	if c.metrics != nil {
		c.metrics.TableChanges.WithLabelValues(table).Inc()
	}
}

// onPacket is the resynchroniser's delivery callback: feed the PSI tracker,
// then fan the packet out to listeners under its classified filter bit.
// PAT/PMT PIDs are never fanned out live; listeners see only the rewriter's
// primed packets for those.
func (c *Coordinator) onPacket(p *tspacket.Packet) {
	c.tr.Feed(p)
	pid := p.PID()
	if pid == psi.PIDPAT || pid == c.tr.PMTPID() {
		return
	}
	mask, ok := c.tr.PidFilter(pid)
	if !ok {
		return
	}
	c.fabric.FanOut(p, mask)
}

// SetListener registers a new listener, priming it with the rewriter's
// currently cached PAT/PMT if any exist yet.
func (c *Coordinator) SetListener(sink listener.Sink, filter psi.FilterMask) uuid.UUID {
	return c.fabric.SetListener(sink, filter, c.rw.LastPAT(), c.rw.LastPMT())
}
