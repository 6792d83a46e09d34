package rewriter

import (
	"testing"

	"github.com/snapetech/dvbrecorder/internal/tspacket"
)

func TestRenderPATSinglePacketValidCRC(t *testing.T) {
	r := New()
	pkts := r.RenderPAT(1, 100, 4096)
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1", len(pkts))
	}
	p := pkts[0]
	if !p.Valid() || p.PID() != PATPID || !p.PayloadUnitStart() {
		t.Fatalf("malformed PAT packet header: %+v", p[:8])
	}
	section := p.SectionPayload()
	sectionLen := int(section[1]&0x0F)<<8 | int(section[2])
	full := section[:3+sectionLen]
	gotCRC := uint32(full[len(full)-4])<<24 | uint32(full[len(full)-3])<<16 | uint32(full[len(full)-2])<<8 | uint32(full[len(full)-1])
	wantCRC := tspacket.CRC32(full[:len(full)-4])
	if gotCRC != wantCRC {
		t.Fatalf("crc mismatch: got %x want %x", gotCRC, wantCRC)
	}
	tsID := uint16(full[3])<<8 | uint16(full[4])
	progNum := uint16(full[8])<<8 | uint16(full[9])
	pmtPID := (uint16(full[10])&0x1F)<<8 | uint16(full[11])
	if tsID != 1 || progNum != 100 || pmtPID != 4096 {
		t.Fatalf("got tsID=%d progNum=%d pmtPID=%d", tsID, progNum, pmtPID)
	}
}

func TestRenderPMTRoundTripsStreams(t *testing.T) {
	r := New()
	prog := PMTProgram{
		ProgramNumber: 100,
		PCRPID:        4097,
		Streams: []ESStream{
			{StreamType: 0x1b, PID: 4097},
			{StreamType: 0x03, PID: 4098},
		},
	}
	pkts := r.RenderPMT(prog, 4096)
	if len(pkts) != 1 {
		t.Fatalf("got %d packets", len(pkts))
	}
	p := pkts[0]
	if p.PID() != 4096 {
		t.Fatalf("pid=%d", p.PID())
	}
	section := p.SectionPayload()
	sectionLen := int(section[1]&0x0F)<<8 | int(section[2])
	full := section[:3+sectionLen]
	gotCRC := uint32(full[len(full)-4])<<24 | uint32(full[len(full)-3])<<16 | uint32(full[len(full)-2])<<8 | uint32(full[len(full)-1])
	wantCRC := tspacket.CRC32(full[:len(full)-4])
	if gotCRC != wantCRC {
		t.Fatalf("crc mismatch")
	}
	programInfoLen := int(full[10]&0x0F)<<8 | int(full[11])
	pos := 12 + programInfoLen
	var streamTypes []byte
	for pos+5 <= len(full)-4 {
		streamTypes = append(streamTypes, full[pos])
		infoLen := int(full[pos+3]&0x0F)<<8 | int(full[pos+4])
		pos += 5 + infoLen
	}
	if len(streamTypes) != 2 || streamTypes[0] != 0x1b || streamTypes[1] != 0x03 {
		t.Fatalf("got stream types %v", streamTypes)
	}
}

func TestRenderPATSequentialRendersIncrementCC(t *testing.T) {
	r := New()
	// Force a multi-packet section by padding a huge program_info isn't
	// possible for PAT (no descriptors); instead verify sequential renders
	// accumulate continuity counters across calls on the same PID.
	p1 := r.RenderPAT(1, 100, 4096)
	p2 := r.RenderPAT(1, 100, 4096)
	if p2[0].ContinuityCounter() != (p1[0].ContinuityCounter()+1)&0x0F {
		t.Fatalf("cc did not advance: %d -> %d", p1[0].ContinuityCounter(), p2[0].ContinuityCounter())
	}
}

func TestLastPATAndPMTCached(t *testing.T) {
	r := New()
	if r.LastPAT() != nil || r.LastPMT() != nil {
		t.Fatal("expected nil before any render")
	}
	pat := r.RenderPAT(1, 100, 4096)
	if len(r.LastPAT()) != len(pat) {
		t.Fatal("LastPAT not cached")
	}
}

func TestResetClearsCache(t *testing.T) {
	r := New()
	r.RenderPAT(1, 100, 4096)
	r.Reset()
	if r.LastPAT() != nil {
		t.Fatal("Reset did not clear cached PAT")
	}
}
