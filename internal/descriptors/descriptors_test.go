package descriptors

import "testing"

func serviceDescPayload(svcType byte, prov, name string) []byte {
	d := []byte{svcType, byte(len(prov))}
	d = append(d, []byte(prov)...)
	d = append(d, byte(len(name)))
	d = append(d, []byte(name)...)
	return d
}

func TestParseService(t *testing.T) {
	d := serviceDescPayload(0x01, "ProviderCo", "BBC ONE")
	svc, ok := ParseService(d)
	if !ok {
		t.Fatal("expected ok")
	}
	if svc.Name != "BBC ONE" || svc.Provider != "ProviderCo" || svc.Type != 0x01 {
		t.Fatalf("got %+v", svc)
	}
}

func TestParseServiceRejectsEmptyName(t *testing.T) {
	d := serviceDescPayload(0x01, "ProviderCo", "")
	if _, ok := ParseService(d); ok {
		t.Fatal("expected rejection of empty name")
	}
}

func shortEventPayload(lang, title, text string) []byte {
	d := []byte(lang)
	d = append(d, byte(len(title)))
	d = append(d, []byte(title)...)
	d = append(d, byte(len(text)))
	d = append(d, []byte(text)...)
	return d
}

func TestParseShortEvent(t *testing.T) {
	d := shortEventPayload("eng", "The Title", "Some synopsis.")
	se, ok := ParseShortEvent(d)
	if !ok {
		t.Fatal("expected ok")
	}
	if se.Language != "eng" || se.Title != "The Title" || se.Text != "Some synopsis." {
		t.Fatalf("got %+v", se)
	}
}

func TestParseExtendedEvent(t *testing.T) {
	var d []byte
	d = append(d, 0x00) // descriptor_number=0, last=0
	d = append(d, []byte("eng")...)

	var items []byte
	items = append(items, byte(len("Director")))
	items = append(items, []byte("Director")...)
	items = append(items, byte(len("Jane Doe")))
	items = append(items, []byte("Jane Doe")...)

	d = append(d, byte(len(items)))
	d = append(d, items...)
	d = append(d, byte(len("Long synopsis text.")))
	d = append(d, []byte("Long synopsis text.")...)

	ee, ok := ParseExtendedEvent(d)
	if !ok {
		t.Fatal("expected ok")
	}
	if ee.Language != "eng" || ee.Text != "Long synopsis text." {
		t.Fatalf("got %+v", ee)
	}
	if len(ee.Items) != 1 || ee.Items[0].Description != "Director" || ee.Items[0].Content != "Jane Doe" {
		t.Fatalf("got items %+v", ee.Items)
	}
}

func TestParseContentGenre(t *testing.T) {
	if got := ParseContentGenre([]byte{0x10, 0x00}); got != "Movie/Drama" {
		t.Fatalf("got %q", got)
	}
	if got := ParseContentGenre([]byte{0xF0, 0x00}); got != "" {
		t.Fatalf("got %q, want empty for unrecognised nibble", got)
	}
}
