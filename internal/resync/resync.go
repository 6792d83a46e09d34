// Package resync turns an arbitrary byte stream from the tuner's DVR tap
// into aligned, validated 188-byte MPEG-TS packets, resynchronising after
// sync-byte loss the way a live DVB read() can deliver it: in chunks that
// need not be packet-aligned, and that can contain garbage after an
// EOVERFLOW or a brief frontend glitch.
package resync

import "github.com/snapetech/dvbrecorder/internal/tspacket"

// confirmWindows is how many consecutive 188-byte-stride sync bytes must be
// seen before a candidate alignment offset is trusted. This is load-bearing
// for recovery after a DVR overflow: a single stray 0x47 in garbage data
// must not be mistaken for a packet boundary.
const confirmWindows = 5

// Resynchroniser consumes arbitrary byte slices and emits 188-byte packets
// via Feed's callback. It is single-threaded and holds no ownership of a
// packet past the callback's return — callers that need to retain one must
// copy it.
type Resynchroniser struct {
	buf  tspacket.Packet
	have int // bytes currently buffered in buf
}

// New returns a ready Resynchroniser.
func New() *Resynchroniser {
	return &Resynchroniser{}
}

// Reset discards any buffered partial packet. Used on retune.
func (r *Resynchroniser) Reset() {
	r.have = 0
}

// Feed consumes data and invokes deliver once per completed, validated
// 188-byte packet, in the order the bytes appeared in data (and, across
// calls, in the order Feed was called). The packet passed to deliver is
// only valid for the duration of the call.
//
// A sync byte at the front of an empty assembly buffer is taken on trust;
// the expensive five-window confirmation scan only runs after sync loss,
// i.e. when the assembly is empty and the leading byte is not 0x47.
func (r *Resynchroniser) Feed(data []byte, deliver func(*tspacket.Packet)) {
	for len(data) > 0 {
		if r.have == 0 && data[0] != tspacket.SyncByte {
			off, ok := findSync(data)
			if !ok {
				// No offset could be confirmed with what we have; drop it —
				// we must not hold an unbounded backlog of unconfirmable junk.
				return
			}
			data = data[off:]
		}

		n := copy(r.buf[r.have:], data)
		r.have += n
		data = data[n:]

		if r.have < tspacket.Size {
			return
		}
		r.have = 0

		if r.buf[0] != tspacket.SyncByte {
			// Lost alignment mid-packet; resync from the remaining data.
			continue
		}
		pkt := r.buf
		deliver(&pkt)
	}
}

// findSync scans data for an offset whose next confirmWindows consecutive
// 188-byte-stride positions all hold the sync byte. Returns the offset and
// true on success; false if no candidate within data can be confirmed, in
// which case the caller drops the unconfirmable bytes rather than growing
// an unbounded pre-sync buffer.
func findSync(data []byte) (int, bool) {
	need := confirmWindows * tspacket.Size
	for i := 0; i < len(data); i++ {
		if data[i] != tspacket.SyncByte {
			continue
		}
		if i+need > len(data) {
			// Can't confirm this candidate with what we have, and no later
			// candidate can be confirmed either (each has fewer bytes after
			// it). A candidate with no contradicting stride lets the scan go
			// on; a contradicted one ends it. Both paths end in false.
			if confirmAsFarAsPossible(data, i) {
				continue
			}
			return 0, false
		}
		if confirmed(data, i) {
			return i, true
		}
	}
	return 0, false
}

// confirmed reports whether all confirmWindows stride positions starting at
// offset i hold the sync byte.
func confirmed(data []byte, i int) bool {
	for w := 0; w < confirmWindows; w++ {
		pos := i + w*tspacket.Size
		if pos >= len(data) || data[pos] != tspacket.SyncByte {
			return false
		}
	}
	return true
}

// confirmAsFarAsPossible checks the strides that do fit within data and
// reports whether none of them contradict a 0x47-at-stride hypothesis; if
// any checked stride holds a non-sync byte, the candidate is rejected
// immediately rather than waiting for more data that cannot save it.
func confirmAsFarAsPossible(data []byte, i int) bool {
	for pos := i; pos < len(data); pos += tspacket.Size {
		if data[pos] != tspacket.SyncByte {
			return false
		}
	}
	return true
}
