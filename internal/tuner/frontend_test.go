//go:build linux

package tuner

import "testing"

func TestNormalizeRateLeavesLargeValuesAlone(t *testing.T) {
	if got := NormalizeRate(27500000); got != 27500000 {
		t.Fatalf("got %d", got)
	}
}

func TestNormalizeRateScalesMHzToKHz(t *testing.T) {
	if got := NormalizeRate(27500); got != 27500000 {
		t.Fatalf("got %d", got)
	}
}

func TestNormalizeRateScalesSymbolsToKsyms(t *testing.T) {
	if got := NormalizeRate(27); got != 27000000 {
		t.Fatalf("got %d", got)
	}
}

func TestSplitBandToneLowBand(t *testing.T) {
	freq, tone := splitBandTone(11_500_000)
	if freq != 11_500_000-9_750_000 || tone {
		t.Fatalf("got freq=%d tone=%v", freq, tone)
	}
}

func TestSplitBandToneHighBand(t *testing.T) {
	freq, tone := splitBandTone(12_500_000)
	if freq != 12_500_000-10_600_000 || !tone {
		t.Fatalf("got freq=%d tone=%v", freq, tone)
	}
}

func TestSplitBandToneBoundary(t *testing.T) {
	// Exactly 11_700_000 selects the high band (tone on); one kHz below stays
	// in the low band.
	freq, tone := splitBandTone(11_700_000)
	if freq != 11_700_000-10_600_000 || !tone {
		t.Fatalf("got freq=%d tone=%v", freq, tone)
	}
	freq, tone = splitBandTone(11_699_999)
	if freq != 11_699_999-9_750_000 || tone {
		t.Fatalf("got freq=%d tone=%v", freq, tone)
	}
}

func TestMapModulation(t *testing.T) {
	cases := map[int]int32{
		2:  modQPSK,
		5:  modPSK8,
		6:  modAPSK16,
		7:  modAPSK32,
		99: modQPSK,
	}
	for code, want := range cases {
		if got := mapModulation(code); got != want {
			t.Fatalf("code %d: got %d want %d", code, got, want)
		}
	}
}

func TestMapRollOff(t *testing.T) {
	cases := map[int]int32{
		20: rolloff20,
		25: rolloff25,
		0:  rolloffAuto,
		35: rolloff35,
	}
	for code, want := range cases {
		if got := mapRollOff(code); got != want {
			t.Fatalf("code %d: got %d want %d", code, got, want)
		}
	}
}

func TestMapDeliverySystem(t *testing.T) {
	if mapDeliverySystem(0) != sysDVBS {
		t.Fatal("expected DVB-S for code 0")
	}
	if mapDeliverySystem(1) != sysDVBS2 {
		t.Fatal("expected DVB-S2 for code 1")
	}
}

func TestStateString(t *testing.T) {
	if StateStreaming.String() != "streaming" {
		t.Fatalf("got %q", StateStreaming.String())
	}
}
