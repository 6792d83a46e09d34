package config

import "testing"

func TestLoad_defaults(t *testing.T) {
	t.Setenv("DVBRECORDER_ADAPTER", "")
	t.Setenv("DVBRECORDER_DB", "")
	t.Setenv("DVBRECORDER_RECORD_DIR", "")
	t.Setenv("DVBRECORDER_STATUS_ADDR", "")
	t.Setenv("DVBRECORDER_LISTENER_WRITE_RATE", "")
	t.Setenv("DVBRECORDER_SCHEDULE_ENABLED", "")

	c := Load()
	if c.AdapterIndex != 0 {
		t.Errorf("AdapterIndex default: got %d", c.AdapterIndex)
	}
	if c.DBPath != "./dvbrecorder.db" {
		t.Errorf("DBPath default: got %q", c.DBPath)
	}
	if c.RecordDir != "./recordings" {
		t.Errorf("RecordDir default: got %q", c.RecordDir)
	}
	if c.StatusAddr != ":8390" {
		t.Errorf("StatusAddr default: got %q", c.StatusAddr)
	}
	if c.ListenerWriteRatePerSec != 50 {
		t.Errorf("ListenerWriteRatePerSec default: got %v", c.ListenerWriteRatePerSec)
	}
	if !c.ScheduleEnabled {
		t.Error("ScheduleEnabled should default true")
	}
	if c.RecordingsMount != "" {
		t.Errorf("RecordingsMount default should be empty: got %q", c.RecordingsMount)
	}
}

func TestLoad_overrides(t *testing.T) {
	t.Setenv("DVBRECORDER_ADAPTER", "1")
	t.Setenv("DVBRECORDER_DB", "/var/lib/dvbrecorder/state.db")
	t.Setenv("DVBRECORDER_RECORD_DIR", "/srv/recordings")
	t.Setenv("DVBRECORDER_RECORD_PATTERN", "${service_name}-${date:%Y%m%d}.ts")
	t.Setenv("DVBRECORDER_STATUS_ADDR", ":9000")
	t.Setenv("DVBRECORDER_LISTENER_WRITE_RATE", "12.5")
	t.Setenv("DVBRECORDER_SCHEDULE_ENABLED", "false")
	t.Setenv("DVBRECORDER_RECORDINGS_MOUNT", "/mnt/recordings")

	c := Load()
	if c.AdapterIndex != 1 {
		t.Errorf("AdapterIndex: got %d", c.AdapterIndex)
	}
	if c.DBPath != "/var/lib/dvbrecorder/state.db" {
		t.Errorf("DBPath: got %q", c.DBPath)
	}
	if c.RecordDir != "/srv/recordings" {
		t.Errorf("RecordDir: got %q", c.RecordDir)
	}
	if c.RecordPattern != "${service_name}-${date:%Y%m%d}.ts" {
		t.Errorf("RecordPattern: got %q", c.RecordPattern)
	}
	if c.StatusAddr != ":9000" {
		t.Errorf("StatusAddr: got %q", c.StatusAddr)
	}
	if c.ListenerWriteRatePerSec != 12.5 {
		t.Errorf("ListenerWriteRatePerSec: got %v", c.ListenerWriteRatePerSec)
	}
	if c.ScheduleEnabled {
		t.Error("ScheduleEnabled should be false")
	}
	if c.RecordingsMount != "/mnt/recordings" {
		t.Errorf("RecordingsMount: got %q", c.RecordingsMount)
	}
}

func TestLoad_negativeAdapterClampedToZero(t *testing.T) {
	t.Setenv("DVBRECORDER_ADAPTER", "-3")
	c := Load()
	if c.AdapterIndex != 0 {
		t.Errorf("negative AdapterIndex should clamp to 0: got %d", c.AdapterIndex)
	}
}

func TestLoad_nonPositiveWriteRateFallsBackToDefault(t *testing.T) {
	t.Setenv("DVBRECORDER_LISTENER_WRITE_RATE", "0")
	c := Load()
	if c.ListenerWriteRatePerSec != 50 {
		t.Errorf("zero write rate should fall back to default 50: got %v", c.ListenerWriteRatePerSec)
	}
}
