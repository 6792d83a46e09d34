//go:build linux

// Command dvbrecorderd tunes a DVB-S/S2 frontend to a single service,
// fans the filtered transport stream out to registered listeners, records
// on demand or on a persisted schedule, and serves a status/metrics/EPG
// HTTP endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snapetech/dvbrecorder/internal/config"
	"github.com/snapetech/dvbrecorder/internal/listener"
	"github.com/snapetech/dvbrecorder/internal/metrics"
	"github.com/snapetech/dvbrecorder/internal/psi"
	"github.com/snapetech/dvbrecorder/internal/reader"
	"github.com/snapetech/dvbrecorder/internal/recorder"
	"github.com/snapetech/dvbrecorder/internal/recordingsfs"
	"github.com/snapetech/dvbrecorder/internal/scheduler"
	"github.com/snapetech/dvbrecorder/internal/statusapi"
	"github.com/snapetech/dvbrecorder/internal/store"
	"github.com/snapetech/dvbrecorder/internal/tuner"
)

func main() {
	envFile := flag.String("env", ".env", "optional KEY=value env file to load before reading configuration")
	channelID := flag.Uint64("channel", 0, "channel id to tune to immediately on startup (0 = wait for a schedule or manual tune)")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Printf("dvbrecorderd: load %s: %v", *envFile, err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Fatalf("dvbrecorderd: open store: %v", err)
	}
	defer st.Close()

	if err := os.MkdirAll(cfg.RecordDir, 0755); err != nil {
		log.Fatalf("dvbrecorderd: create record dir %s: %v", cfg.RecordDir, err)
	}

	m := metrics.New()
	fabric := listener.New(cfg.ListenerWriteRatePerSec)

	var rc *reader.Coordinator
	var rec *recorder.Recorder

	onTuneIn := func(chID uint64) error {
		ch, err := st.GetChannel(ctx, chID)
		if err != nil {
			return fmt.Errorf("lookup channel %d: %w", chID, err)
		}
		return tuneToChannel(rc, cfg.AdapterIndex, ch)
	}
	onRecordStart := func() error { return rec.Start(psi.FilterAll) }
	onRecordStop := func() { rec.Stop() }

	sched := scheduler.New(st, onTuneIn, onRecordStart, onRecordStop)
	sched.SetMetrics(m)
	defer sched.Close()

	// rc and rec are constructed after the scheduler's closures capture them
	// by reference, since the scheduler only invokes them once Enable or a
	// timeline dispatch fires, by which point both are assigned.
	rc = reader.New(0, fabric)
	rc.SetMetrics(m)
	defer rc.StopThread()

	rec = recorder.New(rc, cfg.RecordDir, cfg.RecordPattern)
	rec.SetMetrics(m)

	api := statusapi.New(cfg.StatusAddr, m, rc, rec)
	api.ListenAndServe()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		api.Shutdown(shutdownCtx)
	}()

	if cfg.RecordingsMount != "" {
		unmount, err := recordingsfs.MountBackground(ctx, cfg.RecordingsMount, cfg.RecordDir, false)
		if err != nil {
			log.Printf("dvbrecorderd: mount recordings at %s: %v", cfg.RecordingsMount, err)
		} else {
			log.Printf("dvbrecorderd: recordings mounted at %s", cfg.RecordingsMount)
			defer unmount()
		}
	}

	if cfg.ScheduleEnabled {
		if err := sched.Enable(ctx, true); err != nil {
			log.Printf("dvbrecorderd: enable scheduler: %v", err)
		}
	}

	if *channelID != 0 {
		if err := onTuneIn(*channelID); err != nil {
			log.Printf("dvbrecorderd: initial tune to channel %d failed: %v", *channelID, err)
		}
	}

	log.Printf("dvbrecorderd: running, adapter=%d db=%s record_dir=%s status=%s",
		cfg.AdapterIndex, cfg.DBPath, cfg.RecordDir, cfg.StatusAddr)

	<-ctx.Done()
	log.Println("dvbrecorderd: shutting down")

	if err := st.ExportChannelsSnapshot(context.Background(), cfg.DBPath+".channels.br"); err != nil {
		log.Printf("dvbrecorderd: export channel snapshot: %v", err)
	}
}

// tuneToChannel builds a tuner.TunerConfig from a persisted Channel and
// issues the tune, seeding the frontend's hardware PID filters with the
// well-known PAT/SDT/EIT/RST PIDs.
func tuneToChannel(rc *reader.Coordinator, adapterIndex int, ch store.Channel) error {
	cfg := tuner.TunerConfig{
		FrequencyKHz:   tuner.NormalizeRate(ch.FrequencyKHz),
		SymbolRate:     tuner.NormalizeRate(ch.SymbolRate),
		Polarisation:   tuner.Polarisation(ch.Polarisation),
		SatNo:          ch.SatNo,
		DeliverySystem: ch.DeliverySystem,
		Modulation:     ch.Modulation,
		RollOff:        ch.RollOff,
	}
	pids := []uint16{psi.PIDPAT, psi.PIDSDT, psi.PIDEIT, psi.PIDRST}
	return rc.TuneIn(adapterIndex, cfg, pids, ch.ServiceID)
}
