// Package dvbtext decodes DVB SI "string" fields (service names, short and
// extended event descriptors) into UTF-8, honouring the ETSI EN 300 468
// Annex A character-table prefix convention. The single high control bytes
// 0x80-0x9F are preserved rather than dropped, so later tooling round-trips
// the full byte stream.
package dvbtext

import (
	"golang.org/x/text/encoding/charmap"
)

// Decode converts a raw DVB text field to a UTF-8 string.
//
// Leading byte handling follows EN 300 468 Annex A:
//   - 0x01-0x0B select an ISO/IEC 8859-n table (n = leading byte + 4); only
//     0x05 (ISO-8859-9) is mapped to a real table here, the others fall back
//     to the default Latin-1 table.
//   - 0x10 selects an explicit table via two further bytes and is skipped
//     over (three bytes consumed).
//   - any other leading byte <= 0x1F is a single-byte control selector and
//     is consumed without being decoded.
//   - bytes 0x80-0x9F are DVB control codes with no printable glyph; rather
//     than drop them, they are promoted to a valid two-byte UTF-8 sequence
//     by prefixing 0xC2, so downstream consumers see a stable, round-
//     trippable code point instead of silently losing a byte.
func Decode(d []byte) string {
	if len(d) == 0 {
		return ""
	}

	table := charmap.ISO8859_1
	switch {
	case d[0] == 0x10:
		if len(d) >= 3 {
			d = d[3:]
		} else {
			d = nil
		}
	case d[0] == 0x05:
		table = charmap.ISO8859_9
		d = d[1:]
	case d[0] <= 0x1F:
		d = d[1:]
	}

	buf := make([]byte, 0, len(d)*2)
	for _, b := range d {
		if b >= 0x80 && b <= 0x9F {
			buf = append(buf, 0xC2, b)
			continue
		}
		r := table.DecodeByte(b)
		buf = appendRune(buf, r)
	}
	return string(buf)
}

// appendRune appends the UTF-8 encoding of r to buf.
func appendRune(buf []byte, r rune) []byte {
	if r < 0x80 {
		return append(buf, byte(r))
	}
	if r < 0x800 {
		return append(buf,
			byte(0xC0|r>>6),
			byte(0x80|r&0x3F))
	}
	return append(buf,
		byte(0xE0|r>>12),
		byte(0x80|(r>>6)&0x3F),
		byte(0x80|r&0x3F))
}
