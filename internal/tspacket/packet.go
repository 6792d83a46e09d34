// Package tspacket defines the 188-byte MPEG transport stream packet, the
// atom exchanged by every stage of the reader pipeline: the resynchroniser
// emits it, the PSI tracker and PAT/PMT rewriter consume and produce it, and
// the listener fabric fans it out.
package tspacket

import "encoding/binary"

// Size is the fixed length of an aligned MPEG-TS packet.
const Size = 188

// SyncByte is the first byte of every aligned packet.
const SyncByte = 0x47

// NullPID carries stuffing packets with no semantic payload.
const NullPID = 0x1FFF

// Packet is a single 188-byte transport stream packet. It is usually passed
// by value (it is small enough to copy cheaply) or via *[Size]byte; callers
// that need to retain one past a callback boundary should copy it.
type Packet [Size]byte

// PID returns the 13-bit packet identifier.
func (p *Packet) PID() uint16 {
	return uint16(p[1]&0x1F)<<8 | uint16(p[2])
}

// TransportError reports the transport_error_indicator bit.
func (p *Packet) TransportError() bool { return p[1]&0x80 != 0 }

// PayloadUnitStart reports the payload_unit_start_indicator bit.
func (p *Packet) PayloadUnitStart() bool { return p[1]&0x40 != 0 }

// TransportPriority reports the transport_priority bit.
func (p *Packet) TransportPriority() bool { return p[1]&0x20 != 0 }

// ContinuityCounter returns the 4-bit continuity counter.
func (p *Packet) ContinuityCounter() uint8 { return p[3] & 0x0F }

// HasAdaptationField reports whether adaptation_field_control indicates an
// adaptation field is present (values 0b10 and 0b11).
func (p *Packet) HasAdaptationField() bool { return p[3]&0x20 != 0 }

// HasPayload reports whether adaptation_field_control indicates a payload is
// present (values 0b01 and 0b11).
func (p *Packet) HasPayload() bool { return p[3]&0x10 != 0 }

// Valid reports whether the packet begins with the sync byte. It does not
// validate PID or continuity.
func (p *Packet) Valid() bool { return p[0] == SyncByte }

// SetPID overwrites the PID bits, preserving transport_error_indicator,
// payload_unit_start_indicator, and transport_priority.
func (p *Packet) SetPID(pid uint16) {
	p[1] = p[1]&0xE0 | byte(pid>>8)&0x1F
	p[2] = byte(pid)
}

// SetPayloadUnitStart sets or clears the PUSI bit.
func (p *Packet) SetPayloadUnitStart(v bool) {
	if v {
		p[1] |= 0x40
	} else {
		p[1] &^= 0x40
	}
}

// SetContinuityCounter overwrites the low 4 bits of byte 3, preserving the
// adaptation-field-control bits.
func (p *Packet) SetContinuityCounter(cc uint8) {
	p[3] = p[3]&0xF0 | cc&0x0F
}

// Payload returns the payload slice of the packet, accounting for an
// adaptation field if present. Returns nil if there is no payload or the
// adaptation field would run past the end of the packet. The pointer field
// of a PUSI packet is not skipped; SectionPayload does that.
func (p *Packet) Payload() []byte {
	if !p.HasPayload() {
		return nil
	}
	start := 4
	if p.HasAdaptationField() {
		if len(p) < 5 {
			return nil
		}
		afLen := int(p[4])
		start = 5 + afLen
		if start > len(p) {
			return nil
		}
	}
	return p[start:]
}

// SectionPayload returns the payload of a PUSI packet adjusted past the
// pointer_field byte, i.e. the bytes starting a new PSI/SI section. Returns
// nil if the packet has no PUSI, no payload, or the pointer field runs past
// the packet end.
func (p *Packet) SectionPayload() []byte {
	if !p.PayloadUnitStart() {
		return nil
	}
	pl := p.Payload()
	if pl == nil || len(pl) < 1 {
		return nil
	}
	ptr := int(pl[0]) + 1
	if ptr > len(pl) {
		return nil
	}
	return pl[ptr:]
}

// PCRPID sentinel value meaning "no PCR PID declared" in a PMT.
const NoPCRPID = 0x1FFF

// BigEndianUint16 is a small convenience re-export used across PSI decoders
// so they don't each need their own import of encoding/binary for this one
// call shape.
func BigEndianUint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// CRC32 computes the MPEG-2 section CRC-32 (polynomial 0x04C11DB7, init
// 0xFFFFFFFF, MSB-first, no bit reflection, no final XOR) used by every
// PSI/SI section, PAT and PMT included. Both the section validator and the
// PAT/PMT rewriter use this single implementation.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc^(uint32(b)<<24))&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}
