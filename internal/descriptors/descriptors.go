// Package descriptors decodes the handful of DVB SI descriptor tags the
// PSI/SI tracker needs: service_descriptor, short_event_descriptor,
// extended_event_descriptor, and content_descriptor (EN 300 468 §6.2). It
// decodes only the fields those callers consume, not a general-purpose
// descriptor catalogue.
package descriptors

import (
	"strings"

	"github.com/snapetech/dvbrecorder/internal/dvbtext"
)

// Descriptor tags used by this package.
const (
	TagService       = 0x48
	TagShortEvent    = 0x4D
	TagExtendedEvent = 0x4E
	TagContent       = 0x54
)

// Service holds the decoded fields of a service_descriptor.
type Service struct {
	Type     byte
	Provider string
	Name     string
}

// ParseService decodes a service_descriptor (tag 0x48) payload (excluding
// the tag/length bytes). Returns ok=false if the name is empty or the
// payload is malformed.
func ParseService(d []byte) (Service, bool) {
	if len(d) < 3 {
		return Service{}, false
	}
	svcType := d[0]
	provLen := int(d[1])
	if 2+provLen+1 > len(d) {
		return Service{}, false
	}
	prov := strings.TrimSpace(dvbtext.Decode(d[2 : 2+provLen]))
	snOff := 2 + provLen
	snLen := int(d[snOff])
	snOff++
	if snOff+snLen > len(d) {
		return Service{}, false
	}
	name := strings.TrimSpace(dvbtext.Decode(d[snOff : snOff+snLen]))
	if name == "" {
		return Service{}, false
	}
	return Service{Type: svcType, Provider: prov, Name: name}, true
}

// ShortEvent holds the decoded fields of a short_event_descriptor.
type ShortEvent struct {
	Language string
	Title    string
	Text     string
}

// ParseShortEvent decodes a short_event_descriptor (tag 0x4D) payload.
// Layout: ISO_639_language_code(3), event_name_length(1), event_name(n),
// text_length(1), text(m).
func ParseShortEvent(d []byte) (ShortEvent, bool) {
	if len(d) < 5 {
		return ShortEvent{}, false
	}
	lang := string(d[0:3])
	nameLen := int(d[3])
	if 4+nameLen+1 > len(d) {
		return ShortEvent{}, false
	}
	title := strings.TrimSpace(dvbtext.Decode(d[4 : 4+nameLen]))
	txOff := 4 + nameLen
	txLen := int(d[txOff])
	txOff++
	var text string
	if txOff+txLen <= len(d) {
		text = strings.TrimSpace(dvbtext.Decode(d[txOff : txOff+txLen]))
	}
	return ShortEvent{Language: lang, Title: title, Text: text}, true
}

// ExtendedEventItem is one (description, content) pair from an
// extended_event_descriptor's item list, e.g. ("Director", "Jane Doe").
type ExtendedEventItem struct {
	Description string
	Content     string
}

// ExtendedEvent holds the decoded fields of one extended_event_descriptor
// section. A long description is split across several descriptors sharing
// the same descriptor_number/last_descriptor_number pair; the PSI tracker is
// responsible for concatenating the Text fields of sections 0..last in
// order, the way EN 300 468 §6.2.15 and Annex A.2 specify.
type ExtendedEvent struct {
	DescriptorNumber     byte
	LastDescriptorNumber byte
	Language             string
	Items                []ExtendedEventItem
	Text                 string
}

// ParseExtendedEvent decodes an extended_event_descriptor (tag 0x4E)
// payload.
//
// Layout: descriptor_number(4b)|last_descriptor_number(4b)(1),
// ISO_639_language_code(3), length_of_items(1), items(n), text_length(1),
// text(m).
func ParseExtendedEvent(d []byte) (ExtendedEvent, bool) {
	if len(d) < 5 {
		return ExtendedEvent{}, false
	}
	descNum := d[0] >> 4
	lastDescNum := d[0] & 0x0F
	lang := string(d[1:4])
	itemsLen := int(d[4])
	pos := 5
	if pos+itemsLen > len(d) {
		return ExtendedEvent{}, false
	}
	itemsEnd := pos + itemsLen

	var items []ExtendedEventItem
	for pos+1 <= itemsEnd {
		descLen := int(d[pos])
		pos++
		if pos+descLen > itemsEnd {
			break
		}
		desc := strings.TrimSpace(dvbtext.Decode(d[pos : pos+descLen]))
		pos += descLen
		if pos+1 > itemsEnd {
			break
		}
		contLen := int(d[pos])
		pos++
		if pos+contLen > itemsEnd {
			break
		}
		content := strings.TrimSpace(dvbtext.Decode(d[pos : pos+contLen]))
		pos += contLen
		items = append(items, ExtendedEventItem{Description: desc, Content: content})
	}
	pos = itemsEnd

	if pos >= len(d) {
		return ExtendedEvent{}, false
	}
	textLen := int(d[pos])
	pos++
	var text string
	if pos+textLen <= len(d) {
		text = strings.TrimSpace(dvbtext.Decode(d[pos : pos+textLen]))
	}

	return ExtendedEvent{
		DescriptorNumber:     descNum,
		LastDescriptorNumber: lastDescNum,
		Language:             lang,
		Items:                items,
		Text:                 text,
	}, true
}

// ParseContentGenre decodes a content_descriptor (tag 0x54) and returns the
// label for the first content_nibble_level_1, or "" if unrecognised.
func ParseContentGenre(d []byte) string {
	if len(d) < 2 {
		return ""
	}
	nibble := (d[0] >> 4) & 0x0F
	return contentNibbleLabel(nibble)
}

func contentNibbleLabel(n byte) string {
	switch n {
	case 0x01:
		return "Movie/Drama"
	case 0x02:
		return "News/Current Affairs"
	case 0x03:
		return "Show/Game Show"
	case 0x04:
		return "Sports"
	case 0x05:
		return "Children/Youth"
	case 0x06:
		return "Music/Ballet/Dance"
	case 0x07:
		return "Arts/Culture"
	case 0x08:
		return "Social/Political/Economics"
	case 0x09:
		return "Education/Science/Factual"
	case 0x0A:
		return "Leisure/Hobbies"
	case 0x0B:
		return "Special Characteristics"
	default:
		return ""
	}
}
