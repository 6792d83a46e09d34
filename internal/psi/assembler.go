package psi

import "github.com/snapetech/dvbrecorder/internal/tspacket"

// sectionAssembler reassembles PSI/SI sections that span more than one TS
// packet on a single PID: a packet carrying payload_unit_start_indicator
// starts a (possibly multi-section) buffer at its pointer_field-adjusted
// payload; following packets on the same PID without PUSI append their raw
// payload until section_length bytes have accumulated, at which point the
// section is delivered and any trailing bytes are treated as the next
// section in the same buffer (SI tables commonly pack several sections
// per PID this way).
type sectionAssembler struct {
	buf []byte
}

// feed appends p's payload to the assembler's buffer and calls deliver once
// per complete section extracted from it.
func (a *sectionAssembler) feed(p *tspacket.Packet, deliver func(section []byte)) {
	if p.PayloadUnitStart() {
		sp := p.SectionPayload()
		if sp == nil {
			a.buf = nil
			return
		}
		a.buf = append([]byte(nil), sp...)
	} else {
		if a.buf == nil {
			return // not yet aligned on a section start
		}
		pl := p.Payload()
		if pl == nil {
			return
		}
		a.buf = append(a.buf, pl...)
	}

	for {
		if len(a.buf) < 3 {
			return
		}
		if a.buf[0] == 0xFF {
			// Stuffing byte: no further sections in this buffer.
			a.buf = nil
			return
		}
		sectionLen := int(a.buf[1]&0x0F)<<8 | int(a.buf[2])
		total := 3 + sectionLen
		if len(a.buf) < total {
			return // wait for the continuation packet
		}
		section := a.buf[:total]
		deliver(section)
		a.buf = a.buf[total:]
	}
}
