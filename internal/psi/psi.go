// Package psi routes incoming TS packets by PID to PAT/PMT/EIT/SDT/RST
// section decoders, tracks the tables the reader pipeline needs (the target
// program's PMT-derived ActivePid set, the EIT event store, the current
// ServiceInfo snapshot), and drives the PAT/PMT rewriter once the target
// program's tables are known.
//
// The tracker latches on the first accepted PAT, PMT, and SDT per tune:
// later repeats of those tables are discarded until Reset. EIT tables are
// the exception, replaced whenever a section arrives with a new version.
package psi

import (
	"log"
	"time"

	"github.com/snapetech/dvbrecorder/internal/descriptors"
	"github.com/snapetech/dvbrecorder/internal/rewriter"
	"github.com/snapetech/dvbrecorder/internal/tspacket"
)

// Well-known SI PIDs (ISO/IEC 13818-1, EN 300 468).
const (
	PIDPAT = 0x0000
	PIDSDT = 0x0011
	PIDEIT = 0x0012
	PIDRST = 0x0013
)

// FilterMask is a bitmask over the elementary-stream/table classes a
// listener can subscribe to.
type FilterMask uint16

const (
	FilterVideo FilterMask = 1 << iota
	FilterAudio
	FilterTeletext
	FilterSubtitles
	FilterPAT
	FilterPMT
	FilterEIT
	FilterSDT
	FilterRST
	FilterPCR
	FilterOther

	FilterAll = FilterVideo | FilterAudio | FilterTeletext | FilterSubtitles |
		FilterPAT | FilterPMT | FilterEIT | FilterSDT | FilterRST | FilterPCR | FilterOther
)

// classifyStreamType maps a PMT stream_type byte to a FilterMask bit:
// MPEG-1/2 and H.264 video, MPEG audio, and the private-sections type
// teletext rides on; everything else is Other.
func classifyStreamType(streamType byte) FilterMask {
	switch streamType {
	case 0x01, 0x02, 0x1b:
		return FilterVideo
	case 0x03, 0x04:
		return FilterAudio
	case 0x06:
		return FilterTeletext
	default:
		return FilterOther
	}
}

// RunningStatus mirrors EN 300 468's running_status field.
type RunningStatus byte

const (
	RunningUndefined RunningStatus = iota
	RunningNotRunning
	RunningStartsInFewSeconds
	RunningPausing
	RunningRunning
	RunningServiceOffAir
	RunningReserved6
	RunningReserved7
)

// ShortDescription is one language's short_event_descriptor content for an
// EpgEvent.
type ShortDescription struct {
	Language string
	Title    string
	Text     string
}

// ExtendedDescription is one language's (possibly multi-section,
// concatenated) extended_event_descriptor content for an EpgEvent.
type ExtendedDescription struct {
	Language string
	Items    []descriptors.ExtendedEventItem
	Text     string
}

// EpgEvent is one EIT event entry.
type EpgEvent struct {
	EventID       uint16
	TableID       byte
	StartTime     time.Time
	Duration      time.Duration
	RunningStatus RunningStatus
	ShortDescs    []ShortDescription
	ExtendedDescs []ExtendedDescription
}

// Clone returns a deep copy of e, for callers that must outlive a retune
// (the EitTable the event was read from may be replaced wholesale at any
// time on the data thread).
func (e EpgEvent) Clone() EpgEvent {
	c := e
	c.ShortDescs = append([]ShortDescription(nil), e.ShortDescs...)
	c.ExtendedDescs = make([]ExtendedDescription, len(e.ExtendedDescs))
	for i, ed := range e.ExtendedDescs {
		c.ExtendedDescs[i] = ed
		c.ExtendedDescs[i].Items = append([]descriptors.ExtendedEventItem(nil), ed.Items...)
	}
	return c
}

// EitTable holds one table_id's worth of EIT events, versioned as a whole.
type EitTable struct {
	TableID byte
	Version byte
	Events  []EpgEvent
}

// ServiceInfo is the SDT-derived snapshot for the target service.
type ServiceInfo struct {
	Provider string
	Name     string
	Type     byte
}

// ActivePid is one entry of the PID→filter-bits map the tuner driver's PES
// filters are installed from. New bits OR into an existing entry.
type ActivePid struct {
	PID    uint16
	Filter FilterMask
}

// Event is a table-change notification on the tracker's status channel.
// PatChanged/PmtChanged tell the reader coordinator it's time to re-prime
// listeners from the rewriter's freshly rendered packets.
type Event struct {
	Kind    EventKind
	TableID byte // meaningful for EitChanged
}

type EventKind int

const (
	EventEitChanged EventKind = iota
	EventSdtChanged
	EventPatChanged
	EventPmtChanged
)

// Tracker is the PID→section-decoder map plus the state derived from the
// accepted tables. It is not safe for concurrent use; the reader
// coordinator's single data goroutine is the only writer.
type Tracker struct {
	targetProgramNumber uint16
	rewriter            *rewriter.Rewriter
	events              chan<- Event

	havePAT bool
	havePMT bool
	haveSDT bool

	tsID      uint16
	pmtPID    uint16
	activePid map[uint16]FilterMask

	eitTables map[byte]*EitTable

	service ServiceInfo

	assemblers map[uint16]*sectionAssembler
}

// New returns a Tracker targeting programNumber, rendering PAT/PMT through
// rw, and emitting status events on events (which may be nil to discard
// them). The initial ActivePid set is the well-known {PAT, SDT, EIT, RST}.
func New(programNumber uint16, rw *rewriter.Rewriter, events chan<- Event) *Tracker {
	t := &Tracker{
		targetProgramNumber: programNumber,
		rewriter:            rw,
		events:              events,
	}
	t.Reset()
	return t
}

// Reset drops all decoders, clears have_* flags, EitTables, and ActivePids
// back to the well-known initial set. Used on retune or stop.
func (t *Tracker) Reset() {
	t.havePAT = false
	t.havePMT = false
	t.haveSDT = false
	t.tsID = 0
	t.pmtPID = 0
	t.eitTables = make(map[byte]*EitTable)
	t.service = ServiceInfo{}
	t.assemblers = make(map[uint16]*sectionAssembler)
	t.activePid = map[uint16]FilterMask{
		PIDPAT: FilterPAT,
		PIDSDT: FilterSDT,
		PIDEIT: FilterEIT,
		PIDRST: FilterRST,
	}
	if t.rewriter != nil {
		t.rewriter.Reset()
	}
}

// ActivePids returns a snapshot copy of the current PID→filter map.
func (t *Tracker) ActivePids() map[uint16]FilterMask {
	out := make(map[uint16]FilterMask, len(t.activePid))
	for k, v := range t.activePid {
		out[k] = v
	}
	return out
}

// SetTargetProgram changes the program number the next accepted PAT is
// matched against. Callers reset the tracker in the same breath (retune
// always does) so a previously latched PAT cannot leak across targets.
func (t *Tracker) SetTargetProgram(programNumber uint16) {
	t.targetProgramNumber = programNumber
}

// PidFilter returns the filter bits for pid without copying the map; used on
// the per-packet fan-out path.
func (t *Tracker) PidFilter(pid uint16) (FilterMask, bool) {
	m, ok := t.activePid[pid]
	return m, ok
}

// ServiceInfo returns the last-accepted SDT snapshot for the target service.
func (t *Tracker) ServiceInfo() ServiceInfo { return t.service }

// EitTable returns the table with the given table_id, or nil if absent.
func (t *Tracker) EitTable(tableID byte) *EitTable { return t.eitTables[tableID] }

// PMTPID returns the PID learned from the accepted PAT for the target
// program, or 0 if no PAT has been accepted yet.
func (t *Tracker) PMTPID() uint16 { return t.pmtPID }

// CurrentlyRunning answers the "what is on right now" query over table 0x4e
// (present/following): prefer an event whose running_status is Running; fall
// back to one whose [start, start+duration) covers now.
func (t *Tracker) CurrentlyRunning(now time.Time) (EpgEvent, bool) {
	table := t.eitTables[0x4e]
	if table == nil {
		return EpgEvent{}, false
	}
	for _, e := range table.Events {
		if e.RunningStatus == RunningRunning {
			return e, true
		}
	}
	for _, e := range table.Events {
		end := e.StartTime.Add(e.Duration)
		if !e.StartTime.IsZero() && !now.Before(e.StartTime) && now.Before(end) {
			return e, true
		}
	}
	return EpgEvent{}, false
}

// addActivePid ORs filter into the existing entry for pid, creating one if
// absent.
func (t *Tracker) addActivePid(pid uint16, filter FilterMask) {
	t.activePid[pid] |= filter
}

// Feed routes one TS packet to the appropriate section decoder by PID.
// Packets on PIDs the tracker has no decoder for (payload PIDs, null
// packets, etc.) are ignored — the listener fabric handles those.
func (t *Tracker) Feed(p *tspacket.Packet) {
	pid := p.PID()

	switch pid {
	case PIDPAT:
		t.feedSection(pid, p, t.handlePATSection)
	case PIDSDT:
		t.feedSection(pid, p, t.handleSDTSection)
	case PIDEIT:
		t.feedSection(pid, p, t.handleEITSection)
	case PIDRST:
		// RST carries running_status_section updates; the core does not
		// need to act on them; the PID is only kept active so listeners
		// filtering on RST still receive the packets.
	default:
		if t.havePAT && pid == t.pmtPID {
			t.feedSection(pid, p, t.handlePMTSection)
		}
	}
}

// feedSection reassembles a possibly multi-packet section on pid and calls
// handle once a complete section is available. CRC failures and length
// mismatches are logged and discarded; the pipeline keeps going.
func (t *Tracker) feedSection(pid uint16, p *tspacket.Packet, handle func([]byte)) {
	as, ok := t.assemblers[pid]
	if !ok {
		as = &sectionAssembler{}
		t.assemblers[pid] = as
	}
	as.feed(p, func(section []byte) {
		if !validateCRC(section) {
			log.Printf("psi: pid=%d malformed section, crc failed, len=%d", pid, len(section))
			return
		}
		handle(section)
	})
}

// validateCRC reports whether section's trailing 4 bytes are the correct
// CRC-32 over the preceding bytes.
func validateCRC(section []byte) bool {
	if len(section) < 4 {
		return false
	}
	body := section[:len(section)-4]
	want := tspacket.CRC32(body)
	got := uint32(section[len(section)-4])<<24 | uint32(section[len(section)-3])<<16 |
		uint32(section[len(section)-2])<<8 | uint32(section[len(section)-1])
	return got == want
}

// handlePATSection accepts only the first PAT seen. It searches the program
// table for an entry whose program_number equals the target; on match it
// installs the PMT PID, rewrites a fresh single-program PAT, and invokes
// the rewriter. Later PATs are discarded.
func (t *Tracker) handlePATSection(d []byte) {
	if t.havePAT {
		return
	}
	if len(d) < 8 || d[0] != 0x00 {
		return
	}
	sectionLen := int(d[1]&0x0F)<<8 | int(d[2])
	end := 3 + sectionLen - 4 // trim CRC
	if end > len(d) {
		end = len(d)
	}
	tsID := tspacket.BigEndianUint16(d[3:5])

	const hdrLen = 8
	pos := hdrLen
	for pos+4 <= end {
		progNum := tspacket.BigEndianUint16(d[pos : pos+2])
		pmtPID := tspacket.BigEndianUint16(d[pos+2:pos+4]) & 0x1FFF
		pos += 4
		if progNum == 0 {
			continue // network_PID entry, not a program
		}
		if progNum != t.targetProgramNumber {
			continue
		}
		t.tsID = tsID
		t.pmtPID = pmtPID
		t.havePAT = true
		t.addActivePid(pmtPID, FilterPMT)
		if t.rewriter != nil {
			t.rewriter.RenderPAT(tsID, progNum, pmtPID)
		}
		t.emit(Event{Kind: EventPatChanged})
		return
	}
}

// handlePMTSection accepts only the first PMT for the target program. It
// classifies every elementary-stream PID, adds a PCR PID if declared, and
// regenerates the PMT via the rewriter.
func (t *Tracker) handlePMTSection(d []byte) {
	if !t.havePAT || t.havePMT {
		return
	}
	if len(d) < 12 || d[0] != 0x02 {
		return
	}
	sectionLen := int(d[1]&0x0F)<<8 | int(d[2])
	end := 3 + sectionLen - 4
	if end > len(d) {
		end = len(d)
	}
	progNum := tspacket.BigEndianUint16(d[3:5])
	if progNum != t.targetProgramNumber {
		return
	}
	pcrPID := tspacket.BigEndianUint16(d[8:10]) & 0x1FFF
	programInfoLen := int(d[10]&0x0F)<<8 | int(d[11])
	pos := 12 + programInfoLen
	if pos > end {
		return
	}
	programInfo := append([]byte(nil), d[12:12+programInfoLen]...)

	var streams []rewriter.ESStream
	for pos+5 <= end {
		streamType := d[pos]
		esPID := tspacket.BigEndianUint16(d[pos+1:pos+3]) & 0x1FFF
		esInfoLen := int(d[pos+3]&0x0F)<<8 | int(d[pos+4])
		pos += 5
		if pos+esInfoLen > end {
			break
		}
		info := append([]byte(nil), d[pos:pos+esInfoLen]...)
		pos += esInfoLen

		t.addActivePid(esPID, classifyStreamType(streamType))
		streams = append(streams, rewriter.ESStream{StreamType: streamType, PID: esPID, Info: info})
	}

	if pcrPID != tspacket.NoPCRPID {
		t.addActivePid(pcrPID, FilterPCR)
	}

	t.havePMT = true
	if t.rewriter != nil {
		t.rewriter.RenderPMT(rewriter.PMTProgram{
			ProgramNumber: progNum,
			PCRPID:        pcrPID,
			ProgramInfo:   programInfo,
			Streams:       streams,
		}, t.pmtPID)
	}
	t.emit(Event{Kind: EventPmtChanged})
}

// handleSDTSection accepts the first SDT seen for the target service:
// extracts the service descriptor, snapshots it into ServiceInfo, and emits
// SdtChanged. Additional SDTs are discarded until the next Reset.
func (t *Tracker) handleSDTSection(d []byte) {
	if t.haveSDT {
		return
	}
	if len(d) < 11 || d[0] != 0x42 {
		return
	}
	sectionLen := int(d[1]&0x0F)<<8 | int(d[2])
	end := 3 + sectionLen - 4
	if end > len(d) {
		end = len(d)
	}
	const hdrLen = 11
	pos := hdrLen
	for pos+5 <= end {
		serviceID := tspacket.BigEndianUint16(d[pos : pos+2])
		descLoopLen := int(d[pos+3]&0x0F)<<8 | int(d[pos+4])
		pos += 5
		descEnd := pos + descLoopLen
		if descEnd > end {
			descEnd = end
		}
		if serviceID != t.targetProgramNumber {
			pos = descEnd
			continue
		}
		for pos+2 <= descEnd {
			tag := d[pos]
			dLen := int(d[pos+1])
			pos += 2
			if pos+dLen > descEnd {
				break
			}
			if tag == descriptors.TagService {
				if svc, ok := descriptors.ParseService(d[pos : pos+dLen]); ok {
					t.service = ServiceInfo{
						Provider: svc.Provider,
						Name:     svc.Name,
						Type:     svc.Type,
					}
					t.haveSDT = true
					t.emit(Event{Kind: EventSdtChanged})
					return
				}
			}
			pos += dLen
		}
		pos = descEnd
	}
}

// handleEITSection locates (or creates) the EitTable for the section's
// table_id. Tables are held in a map keyed by table_id and carry no
// creation order. If the version matches a populated
// table, the section is discarded; otherwise the event list is replaced
// wholesale.
func (t *Tracker) handleEITSection(d []byte) {
	if len(d) < 14 {
		return
	}
	tableID := d[0]
	sectionLen := int(d[1]&0x0F)<<8 | int(d[2])
	end := 3 + sectionLen - 4
	if end > len(d) {
		end = len(d)
	}
	version := (d[5] >> 1) & 0x1F

	table := t.eitTables[tableID]
	if table != nil && table.Version == version && len(table.Events) > 0 {
		return
	}

	const hdrLen = 14
	events := parseEITEvents(d, hdrLen, end, tableID)

	t.eitTables[tableID] = &EitTable{TableID: tableID, Version: version, Events: events}
	t.emit(Event{Kind: EventEitChanged, TableID: tableID})
}

func parseEITEvents(d []byte, pos, end int, tableID byte) []EpgEvent {
	var events []EpgEvent
	for pos+12 <= end {
		eventID := tspacket.BigEndianUint16(d[pos : pos+2])
		startTime := parseDVBTime(d[pos+2 : pos+7])
		duration := parseDVBDuration(d[pos+7 : pos+10])
		runningStatus := RunningStatus((d[pos+10] >> 5) & 0x07)
		descLoopLen := int(d[pos+10]&0x0F)<<8 | int(d[pos+11])
		pos += 12
		descEnd := pos + descLoopLen
		if descEnd > end {
			descEnd = end
		}

		var shorts []ShortDescription
		extByLang := map[string]*ExtendedDescription{}
		var extOrder []string

		for pos+2 <= descEnd {
			tag := d[pos]
			dLen := int(d[pos+1])
			pos += 2
			if pos+dLen > descEnd {
				break
			}
			switch tag {
			case descriptors.TagShortEvent:
				if se, ok := descriptors.ParseShortEvent(d[pos : pos+dLen]); ok {
					shorts = append(shorts, ShortDescription{Language: se.Language, Title: se.Title, Text: se.Text})
				}
			case descriptors.TagExtendedEvent:
				if ee, ok := descriptors.ParseExtendedEvent(d[pos : pos+dLen]); ok {
					ed, exists := extByLang[ee.Language]
					if !exists {
						ed = &ExtendedDescription{Language: ee.Language}
						extByLang[ee.Language] = ed
						extOrder = append(extOrder, ee.Language)
					}
					ed.Items = append(ed.Items, ee.Items...)
					ed.Text += ee.Text
				}
			}
			pos += dLen
		}
		pos = descEnd

		var extended []ExtendedDescription
		for _, lang := range extOrder {
			extended = append(extended, *extByLang[lang])
		}

		events = append(events, EpgEvent{
			EventID:       eventID,
			TableID:       tableID,
			StartTime:     startTime,
			Duration:      duration,
			RunningStatus: runningStatus,
			ShortDescs:    shorts,
			ExtendedDescs: extended,
		})
	}
	return events
}

func (t *Tracker) emit(e Event) {
	if t.events == nil {
		return
	}
	select {
	case t.events <- e:
	default:
		log.Printf("psi: status channel full, dropping %v", e.Kind)
	}
}

// parseDVBTime decodes a 5-byte DVB MJD+BCD timestamp into a UTC time.Time.
// Returns zero time on error or if bytes are all 0xFF (undefined).
func parseDVBTime(b []byte) time.Time {
	if len(b) < 5 {
		return time.Time{}
	}
	if b[0] == 0xFF && b[1] == 0xFF {
		return time.Time{}
	}
	mjd := int(tspacket.BigEndianUint16(b[0:2]))
	yp := int((float64(mjd) - 15078.2) / 365.25)
	mp := int((float64(mjd) - 14956.1 - float64(int(float64(yp)*365.25))) / 30.6001)
	day := mjd - 14956 - int(float64(yp)*365.25) - int(float64(mp)*30.6001)
	k := 0
	if mp == 14 || mp == 15 {
		k = 1
	}
	year := yp + k + 1900
	month := mp - 1 - k*12

	hour := bcdByte(b[2])
	min := bcdByte(b[3])
	sec := bcdByte(b[4])
	if hour > 23 || min > 59 || sec > 59 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
}

// parseDVBDuration decodes a 3-byte BCD HHMMSS duration.
func parseDVBDuration(b []byte) time.Duration {
	if len(b) < 3 {
		return 0
	}
	if b[0] == 0xFF {
		return 0
	}
	h := bcdByte(b[0])
	m := bcdByte(b[1])
	s := bcdByte(b[2])
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

func bcdByte(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}
