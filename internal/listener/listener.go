//go:build linux

// Package listener implements the reader pipeline's per-consumer fan-out
// fabric: one worker goroutine per registered consumer, per-consumer
// message queues with control messages prioritised over data, and
// isolation so a single slow or broken consumer never stalls ingestion.
package listener

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/snapetech/dvbrecorder/internal/metrics"
	"github.com/snapetech/dvbrecorder/internal/psi"
	"github.com/snapetech/dvbrecorder/internal/tspacket"
)

// coalesceCap is the maximum payload size of a single Data message, rounded
// down to a whole number of TS packets.
const coalesceCap = 4096 / tspacket.Size * tspacket.Size

// Status is a listener's externally visible lifecycle state.
type Status int

const (
	StatusUnknown Status = iota
	StatusEos
	StatusTerminated
	StatusWriteError
)

// Sink is the listener's delivery target: exactly one of Fd or Callback is
// set, and identity matching uses whichever one that is.
type Sink struct {
	Fd       int
	Callback func(data []byte, userdata any)
	Userdata any
}

func (s Sink) isFd() bool { return s.Callback == nil }

// kind tags a queued ListenerMessage.
type kind int

const (
	kindData kind = iota
	kindDrop
	kindContinue
	kindQuit
	kindEos
)

// message is one queued delivery or control instruction for a worker.
type message struct {
	kind kind
	data []byte
}

// StatusEvent is delivered to the fabric's owner (the reader coordinator)
// when a listener's Status changes.
type StatusEvent struct {
	ID     uuid.UUID
	Status Status
}

// Listener is one registered consumer: identity, filter mask, message
// queue, and the transient delivery flags.
type Listener struct {
	ID     uuid.UUID
	Sink   Sink
	Filter psi.FilterMask

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []message
	head      []message // control messages, always drained before queue
	running   bool
	havePAT   bool
	havePMT   bool
	writeErr  bool
	eos       bool
	terminate bool

	coalesceBuf []byte

	stalls int
}

func newListener(sink Sink, filter psi.FilterMask) *Listener {
	l := &Listener{
		ID:     uuid.New(),
		Sink:   sink,
		Filter: filter,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// pushControl pushes a control message (Drop/Continue/Quit) to the head of
// the queue, ahead of any pending Data.
func (l *Listener) pushControl(k kind) {
	l.mu.Lock()
	l.head = append(l.head, message{kind: k})
	if k == kindDrop {
		kept := l.queue[:0]
		for _, m := range l.queue {
			if m.kind != kindData {
				kept = append(kept, m)
			}
		}
		l.queue = kept
	}
	l.cond.Signal()
	l.mu.Unlock()
}

// pushTail pushes a Data or Eos message to the tail of the queue.
func (l *Listener) pushTail(k kind, data []byte) {
	l.mu.Lock()
	l.queue = append(l.queue, message{kind: k, data: data})
	l.cond.Signal()
	l.mu.Unlock()
}

// pop blocks until a message is available, preferring head (control) over
// tail (data), and while running==false only control messages are returned.
// Returns ok=false once the fabric's context is cancelled and no returnable
// message remains.
func (l *Listener) pop(ctx context.Context) (message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if len(l.head) > 0 {
			m := l.head[0]
			l.head = l.head[1:]
			return m, true
		}
		if l.running && len(l.queue) > 0 {
			m := l.queue[0]
			l.queue = l.queue[1:]
			return m, true
		}
		if ctx.Err() != nil {
			return message{}, false
		}
		l.cond.Wait()
	}
}

// wake is called by the fabric on shutdown to unblock every listener's pop
// loop so it can observe ctx.Err() and return.
func (l *Listener) wake() {
	l.mu.Lock()
	l.cond.Broadcast()
	l.mu.Unlock()
}

// accumulate appends raw 188-byte packet bytes into the listener's coalescing
// buffer, flushing a Data message to the tail once the buffer reaches
// coalesceCap.
func (l *Listener) accumulate(p *tspacket.Packet) {
	l.coalesceBuf = append(l.coalesceBuf, p[:]...)
	if len(l.coalesceBuf) >= coalesceCap {
		buf := l.coalesceBuf
		l.coalesceBuf = nil
		l.pushTail(kindData, buf)
	}
}

// Fabric owns the listener set and drives one worker goroutine per
// registered listener, publishing listener lifecycle changes on a status
// channel consumed by the reader coordinator.
type Fabric struct {
	mu        sync.Mutex
	listeners map[uuid.UUID]*Listener
	byFd      map[int]uuid.UUID

	events       chan StatusEvent
	writeLimiter *rate.Limiter

	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetMetrics attaches a collector set; subsequent registrations, removals,
// and fan-out calls update it. Nil-safe: a Fabric with no metrics attached
// just skips the bookkeeping.
func (f *Fabric) SetMetrics(m *metrics.Metrics) { f.metrics = m }

// New returns an empty Fabric. writeRatePerSec bounds the aggregate number
// of listener write attempts per second across all fd-backed listeners, so a
// mass reconnect of slow consumers cannot thunder against storage/network.
func New(writeRatePerSec float64) *Fabric {
	ctx, cancel := context.WithCancel(context.Background())
	return &Fabric{
		listeners:    make(map[uuid.UUID]*Listener),
		byFd:         make(map[int]uuid.UUID),
		events:       make(chan StatusEvent, 64),
		writeLimiter: rate.NewLimiter(rate.Limit(writeRatePerSec), int(writeRatePerSec)+1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Events returns the channel status changes are published on.
func (f *Fabric) Events() <-chan StatusEvent { return f.events }

// SetListener inserts a new listener, or reconfigures an existing fd-backed
// one matched by fd. Callback sinks are never matched: every registration
// with a Callback inserts a new listener. Reconfiguration clears the queue
// and transient flags. Returns the listener's identity.
//
// lastPAT/lastPMT, if non-nil, are the rewriter's currently cached rendered
// sections; they are enqueued immediately so the new listener sees PAT,
// then PMT, before any payload. The PMT is only primed once a PAT has been.
func (f *Fabric) SetListener(sink Sink, filter psi.FilterMask, lastPAT, lastPMT []tspacket.Packet) uuid.UUID {
	f.mu.Lock()
	var existing *Listener
	if sink.isFd() {
		if id, ok := f.byFd[sink.Fd]; ok {
			existing = f.listeners[id]
		}
	} else {
		for _, l := range f.listeners {
			if !l.Sink.isFd() && sameCallback(l.Sink, sink) {
				existing = l
				break
			}
		}
	}

	var l *Listener
	if existing != nil {
		existing.mu.Lock()
		existing.Filter = filter
		existing.queue = nil
		existing.head = nil
		existing.writeErr = false
		existing.eos = false
		existing.havePAT = false
		existing.havePMT = false
		existing.running = false
		existing.terminate = false
		existing.coalesceBuf = nil
		existing.mu.Unlock()
		l = existing
	} else {
		l = newListener(sink, filter)
		f.listeners[l.ID] = l
		if sink.isFd() {
			f.byFd[sink.Fd] = l.ID
		}
		f.wg.Add(1)
		go f.runWorker(l)
		if f.metrics != nil {
			f.metrics.ActiveListeners.Inc()
		}
	}
	f.mu.Unlock()

	for _, pkt := range lastPAT {
		pkt := pkt
		l.pushTail(kindData, pkt[:])
	}
	if len(lastPAT) > 0 {
		l.mu.Lock()
		l.havePAT = true
		l.mu.Unlock()
		for _, pkt := range lastPMT {
			pkt := pkt
			l.pushTail(kindData, pkt[:])
		}
		if len(lastPMT) > 0 {
			l.mu.Lock()
			l.havePMT = true
			l.mu.Unlock()
		}
	}
	log.Printf("listener: registered id=%s filter=%v fd=%d", l.ID, filter, sink.Fd)
	return l.ID
}

func sameCallback(a, b Sink) bool {
	// Go cannot compare func values for equality beyond nil, so two
	// callback registrations are always treated as distinct listeners.
	return false
}

// FanOut delivers p to every listener whose filter intersects the packet's
// classification. PAT/PMT never arrive here: the caller withholds those
// PIDs so listeners only ever see the rewriter's primed packets for them.
// kind is the FilterMask bit the caller has already classified p as.
func (f *Fabric) FanOut(p *tspacket.Packet, kind psi.FilterMask) {
	f.mu.Lock()
	ls := make([]*Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.Unlock()

	var routed bool
	for _, l := range ls {
		if l.Filter&kind == 0 {
			continue
		}
		l.mu.Lock()
		skip := l.writeErr
		l.mu.Unlock()
		if skip {
			// Isolation: a listener that exhausted its write retries is
			// skipped on subsequent fan-out until reconfigured.
			continue
		}
		l.accumulate(p)
		routed = true
	}
	if f.metrics != nil {
		if routed {
			f.metrics.PacketsRouted.Inc()
		} else {
			f.metrics.PacketsDropped.Inc()
		}
	}
}

// Prime enqueues freshly rendered PAT/PMT packets to every registered
// listener, regardless of its running flag: a listener that has not been
// continued yet simply accumulates the primes and sees them first once it
// starts.
func (f *Fabric) Prime(pat, pmt []tspacket.Packet) {
	f.mu.Lock()
	ls := make([]*Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.Unlock()

	for _, l := range ls {
		for _, pkt := range pat {
			pkt := pkt
			l.pushTail(kindData, pkt[:])
		}
		l.mu.Lock()
		l.havePAT = len(pat) > 0 || l.havePAT
		l.mu.Unlock()
		for _, pkt := range pmt {
			pkt := pkt
			l.pushTail(kindData, pkt[:])
		}
		l.mu.Lock()
		l.havePMT = len(pmt) > 0 || l.havePMT
		l.mu.Unlock()
	}
}

// Continue sets a listener running, allowing queued Data/Eos messages to
// drain.
func (f *Fabric) Continue(id uuid.UUID) {
	f.withListener(id, func(l *Listener) { l.pushControl(kindContinue) })
}

// Drop purges a listener's pending Data messages in place.
func (f *Fabric) Drop(id uuid.UUID) {
	f.withListener(id, func(l *Listener) { l.pushControl(kindDrop) })
}

// Quit asks a listener worker to terminate and removes it once the worker
// has exited.
func (f *Fabric) Quit(id uuid.UUID) {
	f.withListener(id, func(l *Listener) { l.pushControl(kindQuit) })
}

// Broadcast sends Eos to every registered listener; the reader calls it
// once on end-of-stream.
func (f *Fabric) Broadcast() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.listeners {
		l.pushTail(kindEos, nil)
	}
}

func (f *Fabric) withListener(id uuid.UUID, fn func(*Listener)) {
	f.mu.Lock()
	l := f.listeners[id]
	f.mu.Unlock()
	if l != nil {
		fn(l)
	}
}

// Close cancels every worker and waits for them to exit.
func (f *Fabric) Close() {
	f.cancel()
	f.mu.Lock()
	for _, l := range f.listeners {
		l.wake()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// runWorker is the per-listener worker goroutine: pops messages in priority
// order, waiting while running==false except for Continue/Quit; delivers
// Data via fd write-retry or callback invocation; escalates to WriteError
// after ten consecutive 1s stalls.
func (f *Fabric) runWorker(l *Listener) {
	defer f.wg.Done()
	for {
		m, ok := l.pop(f.ctx)
		if !ok {
			return
		}
		switch m.kind {
		case kindContinue:
			l.mu.Lock()
			l.running = true
			l.mu.Unlock()
		case kindDrop:
			// purge already happened in pushControl under lock
		case kindQuit:
			l.mu.Lock()
			l.terminate = true
			l.mu.Unlock()
			f.publish(l.ID, StatusTerminated)
			f.removeListener(l.ID)
			return
		case kindEos:
			l.mu.Lock()
			l.eos = true
			l.mu.Unlock()
			f.publish(l.ID, StatusEos)
		case kindData:
			f.deliver(l, m.data)
		}
	}
}

// deliver writes m.data to the listener's sink, retrying fd writes for up to
// 1s per attempt (bounded by the shared write-rate limiter) and escalating to
// WriteError after ten consecutive stalls or any fatal write error.
func (f *Fabric) deliver(l *Listener, data []byte) {
	l.mu.Lock()
	dead := l.writeErr
	l.mu.Unlock()
	if dead {
		// Data that was already queued when the write error fired is
		// discarded; the error status has been published once.
		return
	}
	if !l.Sink.isFd() {
		l.Sink.Callback(data, l.Sink.Userdata)
		return
	}

	written := 0
	for written < len(data) {
		if err := f.writeLimiter.Wait(f.ctx); err != nil {
			return
		}
		deadline := time.Now().Add(1 * time.Second)
		n, err := writeDeadline(l.Sink.Fd, data[written:], deadline)
		if err != nil {
			if errors.Is(err, errTimedOut) {
				l.stalls++
				if l.stalls < 10 {
					continue
				}
			}
			// Tenth consecutive stall, or any fatal write error.
			l.mu.Lock()
			l.writeErr = true
			l.mu.Unlock()
			f.publish(l.ID, StatusWriteError)
			return
		}
		l.stalls = 0
		written += n
	}
}

func (f *Fabric) publish(id uuid.UUID, status Status) {
	select {
	case f.events <- StatusEvent{ID: id, Status: status}:
	default:
		log.Printf("listener: status event channel full, dropping id=%s status=%d", id, status)
	}
}

func (f *Fabric) removeListener(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.listeners[id]; ok {
		if l.Sink.isFd() {
			delete(f.byFd, l.Sink.Fd)
		}
		delete(f.listeners, id)
		if f.metrics != nil {
			f.metrics.ActiveListeners.Dec()
		}
	}
}
