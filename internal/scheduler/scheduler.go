// Package scheduler is the scheduled-recording engine: each persisted
// schedule entry expands into a TuneIn/RecordStart/RecordStop triple on a
// sorted in-memory timeline, driven by a 30 s polling tick with
// short-horizon precise dispatch. The tune fires 60 s before the recording
// starts so the frontend has time to lock and the PSI tables to settle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snapetech/dvbrecorder/internal/metrics"
	"github.com/snapetech/dvbrecorder/internal/store"
)

// ErrConflict is returned by AddEntry when the candidate interval overlaps
// an existing, non-cancelled entry.
var ErrConflict = errors.New("scheduler: conflicts with an existing entry")

// pollInterval is the coarse tick between timeline head inspections.
const pollInterval = 30 * time.Second

// tuneLeadTime is how far ahead of RecordStart the TuneIn action fires.
const tuneLeadTime = 60 * time.Second

type actionKind int

const (
	actionTuneIn actionKind = iota
	actionRecordStart
	actionRecordStop
)

type timedAction struct {
	fireTime        time.Time
	kind            actionKind
	channelID       uint64
	eventID         int64
	recurringParent int64 // only meaningful on actionRecordStop
}

// Scheduler drives TuneIn/RecordStart/RecordStop hooks from a persisted
// timeline. It does not itself know how to tune a frontend or start a
// recording: callers supply those as hooks so the scheduler stays
// independent of internal/reader and internal/recorder's concrete types.
type Scheduler struct {
	st            *store.Store
	onTuneIn      func(channelID uint64) error
	onRecordStart func() error
	onRecordStop  func()

	mu       sync.Mutex
	enabled  bool
	timeline []timedAction
	stopCh   chan struct{}
	wake     chan struct{}
	wg       sync.WaitGroup

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector set; the scheduler publishes the next
// timeline action's fire time to it whenever the timeline changes.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// publishNextLocked must be called with s.mu held.
func (s *Scheduler) publishNextLocked() {
	if s.metrics == nil {
		return
	}
	if len(s.timeline) == 0 {
		s.metrics.ScheduledNext.Set(0)
		return
	}
	s.metrics.ScheduledNext.Set(float64(s.timeline[0].fireTime.Unix()))
}

// New returns a Scheduler backed by st, invoking the given hooks when a
// timed action fires. Any hook may be nil.
func New(st *store.Store, onTuneIn func(channelID uint64) error, onRecordStart func() error, onRecordStop func()) *Scheduler {
	return &Scheduler{
		st:            st,
		onTuneIn:      onTuneIn,
		onRecordStart: onRecordStart,
		onRecordStop:  onRecordStop,
		wake:          make(chan struct{}, 1),
	}
}

// AddEntry persists a one-shot scheduled recording of [start, end) on
// channelID, refusing to do so if it conflicts with an existing entry.
func (s *Scheduler) AddEntry(ctx context.Context, start, end time.Time, channelID uint64) (int64, error) {
	return s.addEntry(ctx, start, end, channelID, 0)
}

func (s *Scheduler) addEntry(ctx context.Context, start, end time.Time, channelID uint64, recurringParent int64) (int64, error) {
	n, err := s.st.ConflictCount(ctx, start, end)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, ErrConflict
	}
	id, err := s.st.AddScheduleEvent(ctx, start, end, channelID, recurringParent)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		s.timeline = append(s.timeline, expandEntry(store.ScheduleEvent{
			ID: id, Start: start, End: end, ChannelID: channelID, RecurringParent: recurringParent,
		})...)
		sortTimeline(s.timeline)
		s.publishNextLocked()
		s.wakeLocked()
	}
	return id, nil
}

// AddRecurring persists a recurring schedule template and schedules its
// next occurrence, computed with robfig/cron's standard weekday+time
// expression.
func (s *Scheduler) AddRecurring(ctx context.Context, weekday time.Weekday, startOfDay, duration time.Duration) (int64, error) {
	return s.AddRecurringForChannel(ctx, weekday, startOfDay, duration, 0)
}

// AddRecurringForChannel is AddRecurring with an explicit channel, split out
// so tests and callers can avoid the zero-value ambiguity of channel ID 0
// (the "all channels" virtual list, never a tunable channel).
func (s *Scheduler) AddRecurringForChannel(ctx context.Context, weekday time.Weekday, startOfDay, duration time.Duration, channelID uint64) (int64, error) {
	next, err := nextOccurrence(weekday, startOfDay, time.Now())
	if err != nil {
		return 0, err
	}

	recID, err := s.st.AddRecurringSchedule(ctx, store.RecurringSchedule{
		Weekday: weekday, StartOfDay: startOfDay, Duration: duration, ChannelID: channelID,
	})
	if err != nil {
		return 0, err
	}

	eventID, err := s.addEntry(ctx, next, next.Add(duration), channelID, recID)
	if err != nil {
		return 0, err
	}
	if err := s.st.SetRecurringNextEventID(ctx, recID, eventID); err != nil {
		return 0, err
	}
	return recID, nil
}

// nextOccurrence returns the next time a weekday+time-of-day fires strictly
// after from, via robfig/cron's standard 5-field parser.
func nextOccurrence(weekday time.Weekday, startOfDay time.Duration, from time.Time) (time.Time, error) {
	minute := int(startOfDay/time.Minute) % 60
	hour := int(startOfDay / time.Hour)
	spec := fmt.Sprintf("%d %d * * %d", minute, hour, int(weekday))
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parse recurring spec %q: %w", spec, err)
	}
	return sched.Next(from), nil
}

// RemoveEntry marks a scheduled entry Cancelled and drops any of its
// pending actions from the in-memory timeline.
func (s *Scheduler) RemoveEntry(ctx context.Context, id int64) error {
	if err := s.st.RemoveScheduleEvent(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.timeline[:0]
	for _, a := range s.timeline {
		if a.eventID != id {
			filtered = append(filtered, a)
		}
	}
	s.timeline = filtered
	s.publishNextLocked()
	return nil
}

// ConflictCount reports how many existing entries intersect [t0, t1).
func (s *Scheduler) ConflictCount(ctx context.Context, t0, t1 time.Time) (int, error) {
	return s.st.ConflictCount(ctx, t0, t1)
}

// Enable starts (true) or stops (false) the timer that drives dispatch.
// Enable(true) rebuilds the timeline from the store's "upcoming" query.
// Enable(false) clears the timeline entirely.
func (s *Scheduler) Enable(ctx context.Context, on bool) error {
	s.mu.Lock()
	if on == s.enabled {
		s.mu.Unlock()
		return nil
	}
	if !on {
		s.enabled = false
		stop := s.stopCh
		s.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		s.wg.Wait()
		s.mu.Lock()
		s.timeline = nil
		s.publishNextLocked()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	events, err := s.st.UpcomingScheduleEvents(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("scheduler: enable: %w", err)
	}

	var timeline []timedAction
	for _, e := range events {
		timeline = append(timeline, expandEntry(e)...)
	}
	sortTimeline(timeline)

	s.mu.Lock()
	s.timeline = timeline
	s.enabled = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.publishNextLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(stop)
	return nil
}

// Close stops the dispatch loop, if running.
func (s *Scheduler) Close() { s.Enable(context.Background(), false) }

func expandEntry(e store.ScheduleEvent) []timedAction {
	return []timedAction{
		{fireTime: e.Start.Add(-tuneLeadTime), kind: actionTuneIn, channelID: e.ChannelID, eventID: e.ID},
		{fireTime: e.Start, kind: actionRecordStart, eventID: e.ID},
		{fireTime: e.End, kind: actionRecordStop, eventID: e.ID, recurringParent: e.RecurringParent},
	}
}

func sortTimeline(t []timedAction) {
	sort.Slice(t, func(i, j int) bool { return t[i].fireTime.Before(t[j].fireTime) })
}

func (s *Scheduler) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runLoop is the single timer source: it sleeps the coarse poll interval
// while nothing is near, and shortens the wait to the head action's exact
// fire time once it comes within the interval.
func (s *Scheduler) runLoop(stop chan struct{}) {
	defer s.wg.Done()
	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.dispatchDue()
		}
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timeline) == 0 {
		return pollInterval
	}
	until := time.Until(s.timeline[0].fireTime)
	if until <= pollInterval {
		if until < 0 {
			return 0
		}
		return until
	}
	return pollInterval
}

func (s *Scheduler) dispatchDue() {
	for {
		s.mu.Lock()
		if len(s.timeline) == 0 || time.Now().Before(s.timeline[0].fireTime) {
			s.mu.Unlock()
			return
		}
		action := s.timeline[0]
		s.timeline = s.timeline[1:]
		s.publishNextLocked()
		s.mu.Unlock()

		s.execute(action)
	}
}

func (s *Scheduler) execute(a timedAction) {
	ctx := context.Background()
	switch a.kind {
	case actionTuneIn:
		if s.onTuneIn != nil {
			if err := s.onTuneIn(a.channelID); err != nil {
				log.Printf("scheduler: tune-in for event %d failed: %v", a.eventID, err)
			}
		}
		if err := s.st.UpdateScheduleEventStatus(ctx, a.eventID, store.StatusInPreparation); err != nil {
			log.Printf("scheduler: update status for event %d: %v", a.eventID, err)
		}
	case actionRecordStart:
		if s.onRecordStart != nil {
			if err := s.onRecordStart(); err != nil {
				log.Printf("scheduler: record-start for event %d failed: %v", a.eventID, err)
			}
		}
		if err := s.st.UpdateScheduleEventStatus(ctx, a.eventID, store.StatusRecording); err != nil {
			log.Printf("scheduler: update status for event %d: %v", a.eventID, err)
		}
	case actionRecordStop:
		if s.onRecordStop != nil {
			s.onRecordStop()
		}
		if err := s.st.UpdateScheduleEventStatus(ctx, a.eventID, store.StatusDone); err != nil {
			log.Printf("scheduler: update status for event %d: %v", a.eventID, err)
		}
		if a.recurringParent != 0 {
			s.advanceRecurring(ctx, a.recurringParent)
		}
	}
}

// advanceRecurring schedules the next occurrence of a recurring template
// once its current occurrence has finished recording. The next occurrence is
// taken after the later of one minute from now and the end of the
// template's current occurrence.
func (s *Scheduler) advanceRecurring(ctx context.Context, recurringID int64) {
	tmpl, err := s.st.GetRecurringSchedule(ctx, recurringID)
	if err != nil {
		log.Printf("scheduler: advance recurring %d: %v", recurringID, err)
		return
	}
	from := time.Now().Add(time.Minute)
	if events, err := s.st.ListScheduleEvents(ctx); err == nil {
		for _, ev := range events {
			if ev.ID == tmpl.NextEventID && ev.End.After(from) {
				from = ev.End.Local()
			}
		}
	}
	next, err := nextOccurrence(tmpl.Weekday, tmpl.StartOfDay, from)
	if err != nil {
		log.Printf("scheduler: advance recurring %d: %v", recurringID, err)
		return
	}
	eventID, err := s.addEntry(ctx, next, next.Add(tmpl.Duration), tmpl.ChannelID, recurringID)
	if err != nil {
		log.Printf("scheduler: advance recurring %d: %v", recurringID, err)
		return
	}
	if err := s.st.SetRecurringNextEventID(ctx, recurringID, eventID); err != nil {
		log.Printf("scheduler: advance recurring %d: %v", recurringID, err)
	}
}
