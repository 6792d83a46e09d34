package resync

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/snapetech/dvbrecorder/internal/tspacket"
)

func makePacket(pid uint16, fill byte) tspacket.Packet {
	var p tspacket.Packet
	p[0] = tspacket.SyncByte
	p.SetPID(pid)
	for i := 4; i < tspacket.Size; i++ {
		p[i] = fill
	}
	return p
}

func TestResyncAlignedStream(t *testing.T) {
	var stream []byte
	const n = 10
	for i := 0; i < n; i++ {
		p := makePacket(uint16(i), byte(i))
		stream = append(stream, p[:]...)
	}

	r := New()
	var got []tspacket.Packet
	r.Feed(stream, func(p *tspacket.Packet) { got = append(got, *p) })

	if len(got) != n {
		t.Fatalf("got %d packets, want %d", len(got), n)
	}
	for i, p := range got {
		if p[0] != tspacket.SyncByte {
			t.Fatalf("packet %d missing sync byte", i)
		}
		if p.PID() != uint16(i) {
			t.Fatalf("packet %d: pid=%d want %d", i, p.PID(), i)
		}
	}
}

func TestResyncArbitraryPartition(t *testing.T) {
	var stream []byte
	const n = 20
	for i := 0; i < n; i++ {
		p := makePacket(uint16(i%8192), byte(i))
		stream = append(stream, p[:]...)
	}

	rnd := rand.New(rand.NewSource(1))
	r := New()
	var got [][]byte
	deliver := func(p *tspacket.Packet) {
		cp := make([]byte, tspacket.Size)
		copy(cp, p[:])
		got = append(got, cp)
	}

	pos := 0
	for pos < len(stream) {
		chunk := 1 + rnd.Intn(97)
		if pos+chunk > len(stream) {
			chunk = len(stream) - pos
		}
		r.Feed(stream[pos:pos+chunk], deliver)
		pos += chunk
	}

	if len(got) != n {
		t.Fatalf("got %d packets, want %d", len(got), n)
	}
	for i, g := range got {
		want := stream[i*tspacket.Size : (i+1)*tspacket.Size]
		if !bytes.Equal(g, want) {
			t.Fatalf("packet %d mismatch", i)
		}
	}
}

func TestResyncRecoversFromGarbagePrefix(t *testing.T) {
	garbage := []byte{0x00, 0x47, 0x11, 0x22, 0x47, 0x00} // a lone 0x47 not at stride
	var stream []byte
	stream = append(stream, garbage...)
	const n = 6
	for i := 0; i < n; i++ {
		p := makePacket(uint16(i), byte(i))
		stream = append(stream, p[:]...)
	}

	r := New()
	var got []tspacket.Packet
	r.Feed(stream, func(p *tspacket.Packet) { got = append(got, *p) })

	if len(got) != n {
		t.Fatalf("got %d packets, want %d (garbage should have been skipped)", len(got), n)
	}
	if got[0].PID() != 0 {
		t.Fatalf("first recovered packet pid=%d, want 0", got[0].PID())
	}
}

func TestResyncDoesNotAcceptSingleSyncByte(t *testing.T) {
	// A single 0x47 followed by random data that does NOT repeat at
	// 188-byte stride must never be accepted as an alignment point.
	data := make([]byte, 188*6)
	rnd := rand.New(rand.NewSource(2))
	for i := range data {
		data[i] = byte(rnd.Intn(256))
		if data[i] == tspacket.SyncByte {
			data[i] = 0x46 // avoid accidental confirmations
		}
	}
	data[10] = tspacket.SyncByte // the lone byte

	r := New()
	delivered := 0
	r.Feed(data, func(p *tspacket.Packet) { delivered++ })
	if delivered != 0 {
		t.Fatalf("accepted unconfirmed sync byte, delivered %d packets", delivered)
	}
}

func TestResyncMidStreamLoss(t *testing.T) {
	var stream []byte
	for i := 0; i < 3; i++ {
		p := makePacket(uint16(i), byte(i))
		stream = append(stream, p[:]...)
	}
	// Corrupt the sync byte of packet index 3 so it resyncs rather than
	// delivering a corrupt packet.
	corruptStart := len(stream)
	p3 := makePacket(3, 3)
	p3[0] = 0x00
	stream = append(stream, p3[:]...)
	_ = corruptStart
	// At least five further good packets are needed after the corrupt one
	// so the five-window confirmation can succeed within this single Feed.
	for i := 4; i < 12; i++ {
		p := makePacket(uint16(i), byte(i))
		stream = append(stream, p[:]...)
	}

	r := New()
	var got []tspacket.Packet
	r.Feed(stream, func(p *tspacket.Packet) { got = append(got, *p) })

	// Packets 0,1,2 deliver normally; packet 3 is corrupt and dropped,
	// triggering a resync that should recover 4..11 (pids match their index).
	var pids []uint16
	for _, p := range got {
		pids = append(pids, p.PID())
	}
	want := []uint16{0, 1, 2, 4, 5, 6, 7, 8, 9, 10, 11}
	if len(pids) != len(want) {
		t.Fatalf("pids=%v want=%v", pids, want)
	}
	for i := range want {
		if pids[i] != want[i] {
			t.Fatalf("pids=%v want=%v", pids, want)
		}
	}
}
