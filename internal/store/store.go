// Package store is the local relational store for channels, favourite
// lists, and scheduled recordings, backed by modernc.org/sqlite's pure-Go
// driver through database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// EntryStatus is a scheduled entry's lifecycle state:
// Unknown -> InPreparation (at tune-in) -> Recording (at record-start) ->
// Done (at record-stop) or Cancelled (on manual remove).
type EntryStatus int

const (
	StatusUnknown EntryStatus = iota
	StatusInPreparation
	StatusRecording
	StatusDone
	StatusCancelled
)

// Channel is one row of the channels table. The tuning parameters (SatNo,
// Polarisation, DeliverySystem, Modulation, RollOff) are explicit columns
// rather than bit-packed into Flags: the tune path reads them back on every
// retune and a plain struct field beats bit-unpacking there.
type Channel struct {
	ID             uint64
	Name           string
	FrequencyKHz   uint32
	Parameter      string
	SignalSource   string
	SymbolRate     uint32
	VideoPID       string
	AudioPID       string
	TeletextPID    uint16
	CASID          uint16
	ServiceID      uint16
	NetworkID      uint16
	TransportID    uint16
	RID            uint16
	Flags          uint32
	SatNo          int // DiSEqC committed switch input, 0..3
	Polarisation   int // tuner.Polarisation value
	DeliverySystem int // 0 = DVB-S, 1 = DVB-S2
	Modulation     int // ChannelRecord modulation code: 2,5,6,7
	RollOff        int // ChannelRecord roll-off code: 20,25,0(auto),other(35)
}

// FavList mirrors channel-db.c's favlists table. The "all channels" virtual
// list always has ID 0 and is never persisted.
type FavList struct {
	ID    int64
	Title string
}

// ScheduleEvent mirrors scheduled.c's schedule_events table.
type ScheduleEvent struct {
	ID              int64
	Start           time.Time
	End             time.Time
	ChannelID       uint64
	Status          EntryStatus
	RecurringParent int64
}

// RecurringSchedule mirrors scheduled.c's schedule_recurring table.
type RecurringSchedule struct {
	ID          int64
	Weekday     time.Weekday
	StartOfDay  time.Duration // offset from local midnight
	Duration    time.Duration
	ChannelID   uint64
	NextEventID int64
}

// Store wraps a *sql.DB opened against one sqlite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// its schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`create table if not exists channels(
		chnl_id integer primary key,
		chnl_name varchar(255),
		chnl_freq integer,
		chnl_parameter varchar(64),
		chnl_signalsource varchar(64),
		chnl_srate integer,
		chnl_vpid varchar(128),
		chnl_apid varchar(128),
		chnl_tpid integer,
		chnl_casid integer,
		chnl_sid integer,
		chnl_nid integer,
		chnl_tid integer,
		chnl_rid integer,
		chnl_flags integer,
		chnl_satno integer default 0,
		chnl_polarisation integer default 0,
		chnl_deliverysystem integer default 0,
		chnl_modulation integer default 2,
		chnl_rolloff integer default 35
	)`,
	`create table if not exists favlists(id integer primary key, title varchar(255))`,
	`create table if not exists favourites(chnl_id integer, list_id integer, position integer)`,
	`create table if not exists schedule_events(
		event_id integer primary key,
		event_start integer,
		event_end integer,
		chnl_id integer,
		status integer,
		recurring_parent integer
	)`,
	`create table if not exists schedule_recurring(
		recurrent_id integer primary key,
		weekday integer,
		time_start integer,
		duration integer,
		chnl_id integer,
		next_event_id integer
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

const channelColumns = `chnl_id, chnl_name, chnl_freq, chnl_parameter, chnl_signalsource, chnl_srate,
		chnl_vpid, chnl_apid, chnl_tpid, chnl_casid, chnl_sid, chnl_nid, chnl_tid, chnl_rid, chnl_flags,
		chnl_satno, chnl_polarisation, chnl_deliverysystem, chnl_modulation, chnl_rolloff`

// UpsertChannel inserts or replaces a channel row keyed by ID.
func (s *Store) UpsertChannel(ctx context.Context, c Channel) error {
	_, err := s.db.ExecContext(ctx, `insert into channels(`+channelColumns+`)
	values (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	on conflict(chnl_id) do update set
		chnl_name=excluded.chnl_name, chnl_freq=excluded.chnl_freq,
		chnl_parameter=excluded.chnl_parameter, chnl_signalsource=excluded.chnl_signalsource,
		chnl_srate=excluded.chnl_srate, chnl_vpid=excluded.chnl_vpid, chnl_apid=excluded.chnl_apid,
		chnl_tpid=excluded.chnl_tpid, chnl_casid=excluded.chnl_casid, chnl_sid=excluded.chnl_sid,
		chnl_nid=excluded.chnl_nid, chnl_tid=excluded.chnl_tid, chnl_rid=excluded.chnl_rid,
		chnl_flags=excluded.chnl_flags, chnl_satno=excluded.chnl_satno,
		chnl_polarisation=excluded.chnl_polarisation, chnl_deliverysystem=excluded.chnl_deliverysystem,
		chnl_modulation=excluded.chnl_modulation, chnl_rolloff=excluded.chnl_rolloff`,
		c.ID, c.Name, c.FrequencyKHz, c.Parameter, c.SignalSource, c.SymbolRate,
		c.VideoPID, c.AudioPID, c.TeletextPID, c.CASID, c.ServiceID, c.NetworkID,
		c.TransportID, c.RID, c.Flags, c.SatNo, c.Polarisation, c.DeliverySystem,
		c.Modulation, c.RollOff)
	if err != nil {
		return fmt.Errorf("store: upsert channel %d: %w", c.ID, err)
	}
	return nil
}

// GetChannel returns the channel with the given ID, or sql.ErrNoRows.
func (s *Store) GetChannel(ctx context.Context, id uint64) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `select `+channelColumns+` from channels where chnl_id=?`, id)
	return scanChannel(row)
}

// ListChannels returns every channel, which is also the content of the
// "all channels" virtual list (id 0).
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `select `+channelColumns+` from channels order by chnl_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (Channel, error) {
	var c Channel
	err := row.Scan(&c.ID, &c.Name, &c.FrequencyKHz, &c.Parameter, &c.SignalSource,
		&c.SymbolRate, &c.VideoPID, &c.AudioPID, &c.TeletextPID, &c.CASID, &c.ServiceID,
		&c.NetworkID, &c.TransportID, &c.RID, &c.Flags, &c.SatNo, &c.Polarisation,
		&c.DeliverySystem, &c.Modulation, &c.RollOff)
	if err != nil {
		return Channel{}, err
	}
	return c, nil
}

// CreateFavList creates a new favourite list and returns its ID. ID 0 is
// reserved for the "all channels" virtual list and is never assigned here.
func (s *Store) CreateFavList(ctx context.Context, title string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `insert into favlists(title) values (?)`, title)
	if err != nil {
		return 0, fmt.Errorf("store: create favlist: %w", err)
	}
	return res.LastInsertId()
}

// ListFavLists returns every persisted favourite list (excluding the
// virtual "all channels" list).
func (s *Store) ListFavLists(ctx context.Context) ([]FavList, error) {
	rows, err := s.db.QueryContext(ctx, `select id, title from favlists order by id`)
	if err != nil {
		return nil, fmt.Errorf("store: list favlists: %w", err)
	}
	defer rows.Close()

	var out []FavList
	for rows.Next() {
		var f FavList
		if err := rows.Scan(&f.ID, &f.Title); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AddFavourite appends channelID to listID at the given position.
func (s *Store) AddFavourite(ctx context.Context, channelID uint64, listID int64, position int) error {
	_, err := s.db.ExecContext(ctx,
		`insert into favourites(chnl_id, list_id, position) values (?,?,?)`,
		channelID, listID, position)
	if err != nil {
		return fmt.Errorf("store: add favourite: %w", err)
	}
	return nil
}

// RemoveFavourite removes channelID from listID.
func (s *Store) RemoveFavourite(ctx context.Context, channelID uint64, listID int64) error {
	_, err := s.db.ExecContext(ctx,
		`delete from favourites where chnl_id=? and list_id=?`, channelID, listID)
	if err != nil {
		return fmt.Errorf("store: remove favourite: %w", err)
	}
	return nil
}

// ListFavourites returns the channel IDs in listID, ordered by position. For
// listID 0 (the "all channels" virtual list) it returns every channel ID
// instead of consulting the favourites table.
func (s *Store) ListFavourites(ctx context.Context, listID int64) ([]uint64, error) {
	if listID == 0 {
		chs, err := s.ListChannels(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]uint64, len(chs))
		for i, c := range chs {
			ids[i] = c.ID
		}
		return ids, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`select chnl_id from favourites where list_id=? order by position`, listID)
	if err != nil {
		return nil, fmt.Errorf("store: list favourites: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddScheduleEvent persists a new scheduled entry in StatusUnknown and
// returns its ID. recurringParent is 0 for a manually scheduled entry.
func (s *Store) AddScheduleEvent(ctx context.Context, start, end time.Time, channelID uint64, recurringParent int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`insert into schedule_events(event_start, event_end, chnl_id, status, recurring_parent)
		 values (?,?,?,?,?)`,
		start.Unix(), end.Unix(), channelID, StatusUnknown, recurringParent)
	if err != nil {
		return 0, fmt.Errorf("store: add schedule event: %w", err)
	}
	return res.LastInsertId()
}

// UpdateScheduleEventStatus sets a scheduled entry's lifecycle state.
func (s *Store) UpdateScheduleEventStatus(ctx context.Context, id int64, status EntryStatus) error {
	_, err := s.db.ExecContext(ctx,
		`update schedule_events set status=? where event_id=?`, status, id)
	if err != nil {
		return fmt.Errorf("store: update schedule event %d: %w", id, err)
	}
	return nil
}

// RemoveScheduleEvent marks an entry Cancelled rather than deleting its row,
// so schedule history survives a manual remove.
func (s *Store) RemoveScheduleEvent(ctx context.Context, id int64) error {
	return s.UpdateScheduleEventStatus(ctx, id, StatusCancelled)
}

// ListScheduleEvents returns every scheduled entry ordered by start time,
// mirroring scheduled.c's scheduled_event_enum query.
func (s *Store) ListScheduleEvents(ctx context.Context) ([]ScheduleEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`select event_id, event_start, event_end, chnl_id, status, recurring_parent
		 from schedule_events order by event_start asc`)
	if err != nil {
		return nil, fmt.Errorf("store: list schedule events: %w", err)
	}
	defer rows.Close()
	return scanScheduleEvents(rows)
}

// UpcomingScheduleEvents returns entries starting after now, ordered by
// start time — the query the scheduler rebuilds its in-memory timeline
// from when it is enabled.
func (s *Store) UpcomingScheduleEvents(ctx context.Context, now time.Time) ([]ScheduleEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`select event_id, event_start, event_end, chnl_id, status, recurring_parent
		 from schedule_events where event_start > ? order by event_start asc`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: upcoming schedule events: %w", err)
	}
	defer rows.Close()
	return scanScheduleEvents(rows)
}

// ConflictCount returns the number of existing entries whose [event_start,
// event_end) interval intersects the candidate [t0, t1).
func (s *Store) ConflictCount(ctx context.Context, t0, t1 time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from schedule_events
		 where status != ? and event_start < ? and event_end > ?`,
		StatusCancelled, t1.Unix(), t0.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: conflict count: %w", err)
	}
	return n, nil
}

func scanScheduleEvents(rows *sql.Rows) ([]ScheduleEvent, error) {
	var out []ScheduleEvent
	for rows.Next() {
		var e ScheduleEvent
		var start, end int64
		if err := rows.Scan(&e.ID, &start, &end, &e.ChannelID, &e.Status, &e.RecurringParent); err != nil {
			return nil, err
		}
		e.Start = time.Unix(start, 0)
		e.End = time.Unix(end, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddRecurringSchedule persists a recurring schedule template.
func (s *Store) AddRecurringSchedule(ctx context.Context, r RecurringSchedule) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`insert into schedule_recurring(weekday, time_start, duration, chnl_id, next_event_id)
		 values (?,?,?,?,?)`,
		int(r.Weekday), int64(r.StartOfDay/time.Second), int64(r.Duration/time.Second),
		r.ChannelID, r.NextEventID)
	if err != nil {
		return 0, fmt.Errorf("store: add recurring schedule: %w", err)
	}
	return res.LastInsertId()
}

// GetRecurringSchedule returns one recurring schedule template by ID.
func (s *Store) GetRecurringSchedule(ctx context.Context, id int64) (RecurringSchedule, error) {
	var r RecurringSchedule
	var weekday int
	var startSec, durSec int64
	err := s.db.QueryRowContext(ctx,
		`select recurrent_id, weekday, time_start, duration, chnl_id, next_event_id
		 from schedule_recurring where recurrent_id=?`, id).
		Scan(&r.ID, &weekday, &startSec, &durSec, &r.ChannelID, &r.NextEventID)
	if err != nil {
		return RecurringSchedule{}, err
	}
	r.Weekday = time.Weekday(weekday)
	r.StartOfDay = time.Duration(startSec) * time.Second
	r.Duration = time.Duration(durSec) * time.Second
	return r, nil
}

// ListRecurringSchedules returns every persisted recurring schedule
// template.
func (s *Store) ListRecurringSchedules(ctx context.Context) ([]RecurringSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`select recurrent_id, weekday, time_start, duration, chnl_id, next_event_id
		 from schedule_recurring`)
	if err != nil {
		return nil, fmt.Errorf("store: list recurring schedules: %w", err)
	}
	defer rows.Close()

	var out []RecurringSchedule
	for rows.Next() {
		var r RecurringSchedule
		var weekday int
		var startSec, durSec int64
		if err := rows.Scan(&r.ID, &weekday, &startSec, &durSec, &r.ChannelID, &r.NextEventID); err != nil {
			return nil, err
		}
		r.Weekday = time.Weekday(weekday)
		r.StartOfDay = time.Duration(startSec) * time.Second
		r.Duration = time.Duration(durSec) * time.Second
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRecurringNextEventID updates the schedule_events row id the recurring
// template last expanded into, so the scheduler can tell which occurrence
// is still pending.
func (s *Store) SetRecurringNextEventID(ctx context.Context, recurringID, eventID int64) error {
	_, err := s.db.ExecContext(ctx,
		`update schedule_recurring set next_event_id=? where recurrent_id=?`, eventID, recurringID)
	if err != nil {
		return fmt.Errorf("store: set recurring next event: %w", err)
	}
	return nil
}
