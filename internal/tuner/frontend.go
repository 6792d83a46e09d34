//go:build linux

// Package tuner drives a DVB-S/S2 frontend through the Linux DVB API v5,
// performing band/tone selection, DiSEqC switching, property-based tuning,
// lock acquisition, and PID filter installation.
package tuner

import (
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"
)

// ErrUnsupportedFrontend is returned by Open when the frontend is not
// QPSK-capable (DVB-S/S2). This library targets DVB-S/S2 only.
var ErrUnsupportedFrontend = errors.New("tuner: frontend is not DVB-S/S2 capable")

// ErrLockTimeout is returned by Tune when the frontend fails to report
// HAS_LOCK within the wall-clock budget.
var ErrLockTimeout = errors.New("tuner: lock acquisition timed out")

// State is the tuner driver's lifecycle state machine.
type State int

const (
	StateClosed State = iota
	StateFrontendOpen
	StateTuned
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateFrontendOpen:
		return "frontend_open"
	case StateTuned:
		return "tuned"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Polarisation selects the LNB voltage applied during DiSEqC switching.
type Polarisation int

const (
	PolarisationHorizontalOrLeft Polarisation = iota
	PolarisationVerticalOrRight
)

// TunerConfig describes a single tune request. Tune normalises Frequency and
// SymbolRate to kHz / symbols-per-second itself via NormalizeRate, so they
// may be given in either unit.
type TunerConfig struct {
	FrequencyKHz   uint32
	SymbolRate     uint32
	Polarisation   Polarisation
	SatNo          int // satellite port 0..3, DiSEqC committed switch input
	DeliverySystem int // 0 = DVB-S, 1 = DVB-S2 (mapped internally to sysDVBS/sysDVBS2)
	Modulation     int // ChannelRecord modulation code: 2,5,6,7
	RollOff        int // ChannelRecord roll-off code: 20,25,0(auto),other(35)
}

// NormalizeRate repeatedly multiplies v by 1000 while it is below one
// million, so callers may pass frequency/symbol rate in kHz or MHz (or
// symbols/s or ksym/s) interchangeably.
func NormalizeRate(v uint32) uint32 {
	for v > 0 && v < 1_000_000 {
		v *= 1000
	}
	return v
}

// splitBandTone implements the band/tone selection step: frequencies at or
// above 11.7 GHz (in kHz) are high band with the 22 kHz tone on; the LNB
// local oscillator offset is subtracted to produce the IF frequency the
// frontend actually tunes to.
func splitBandTone(freqKHz uint32) (ifFreqKHz uint32, toneOn bool) {
	const highBandThreshold = 11_700_000
	const highBandLO = 10_600_000
	const lowBandLO = 9_750_000
	if freqKHz >= highBandThreshold {
		return freqKHz - highBandLO, true
	}
	return freqKHz - lowBandLO, false
}

// mapModulation converts a channel-record modulation code to the
// fe_modulation_t constant FE_SET_PROPERTY expects.
func mapModulation(code int) int32 {
	switch code {
	case 5:
		return modPSK8
	case 6:
		return modAPSK16
	case 7:
		return modAPSK32
	default:
		return modQPSK
	}
}

// mapRollOff converts a channel-record roll-off code (the roll-off factor
// in hundredths, 0 meaning auto) to the fe_rolloff_t constant.
func mapRollOff(code int) int32 {
	switch code {
	case 20:
		return rolloff20
	case 25:
		return rolloff25
	case 0:
		return rolloffAuto
	default:
		return rolloff35
	}
}

func mapDeliverySystem(ds int) int32 {
	if ds == 1 {
		return sysDVBS2
	}
	return sysDVBS
}

// Frontend owns the frontend, demux, and DVR file descriptors for one
// DVB-S/S2 adapter. It is not safe for concurrent use across goroutines;
// the reader coordinator stops its data goroutine before calling Stop.
type Frontend struct {
	adapter int

	frontendFd int
	demuxFds   []int
	dvrFd      int

	state      State
	canInvAuto bool
	lastSignal float64

	closed bool
}

// Open acquires /dev/dvb/adapter<N>/frontend0 and verifies the frontend is
// DVB-S/S2 capable, returning ErrUnsupportedFrontend otherwise.
func Open(adapterIndex int) (*Frontend, error) {
	path := fmt.Sprintf("/dev/dvb/adapter%d/frontend0", adapterIndex)
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tuner: open %s: %w", path, err)
	}

	var info dvbFrontendInfo
	if err := ioctl(fd, feGetInfo, uintptr(unsafePointer(&info))); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("tuner: FE_GET_INFO: %w", err)
	}
	if info.Type != feTypeQPSK {
		syscall.Close(fd)
		return nil, ErrUnsupportedFrontend
	}

	f := &Frontend{
		adapter:    adapterIndex,
		frontendFd: fd,
		dvrFd:      -1,
		state:      StateFrontendOpen,
		canInvAuto: info.Caps&0x1 != 0, // FE_CAN_INVERSION_AUTO
	}
	log.Printf("tuner: adapter=%d frontend opened name=%q", adapterIndex, trimNulBytes(info.Name[:]))
	return f, nil
}

// Tune performs the band/tone split, DiSEqC burst, frontend property set,
// lock acquisition, and PID filter installation described by the tuner
// driver contract. pids is the initial set of PIDs to demux; PID filters may
// be added later via AddPID.
func (f *Frontend) Tune(cfg TunerConfig, pids []uint16) error {
	if f.state == StateStreaming || f.state == StateTuned {
		f.Stop()
		fe, err := Open(f.adapter)
		if err != nil {
			return err
		}
		*f = *fe
	}

	freq := NormalizeRate(cfg.FrequencyKHz)
	symRate := NormalizeRate(cfg.SymbolRate)
	ifFreq, toneOn := splitBandTone(freq)

	if err := f.setDiseqc(cfg.SatNo, cfg.Polarisation, toneOn); err != nil {
		return fmt.Errorf("tuner: diseqc: %w", err)
	}

	inversion := int32(inversionAuto)
	if !f.canInvAuto {
		inversion = inversionOff
	}

	props := []uint32{dtvDeliverySystem, uint32(mapDeliverySystem(cfg.DeliverySystem))}
	props = append(props,
		dtvFrequency, ifFreq,
		dtvModulation, uint32(mapModulation(cfg.Modulation)),
		dtvSymbolRate, symRate,
		dtvInnerFEC, uint32(fecAuto),
		dtvInversion, uint32(inversion),
		dtvRolloff, uint32(mapRollOff(cfg.RollOff)),
		dtvPilot, uint32(pilotAuto),
		dtvTune, 0,
	)

	if err := f.setProperties(props); err != nil {
		return fmt.Errorf("tuner: FE_SET_PROPERTY: %w", err)
	}

	if err := f.waitLock(); err != nil {
		return err
	}

	f.state = StateTuned

	for _, pid := range pids {
		if err := f.AddPID(pid); err != nil {
			return fmt.Errorf("tuner: add pid %d: %w", pid, err)
		}
	}

	if err := f.openDVR(); err != nil {
		return fmt.Errorf("tuner: dvr: %w", err)
	}
	f.state = StateStreaming
	log.Printf("tuner: adapter=%d tuned freq=%dkHz symrate=%d state=%s", f.adapter, freq, symRate, f.state)
	return nil
}

// setDiseqc performs the DiSEqC 1.0 master-command and mini-burst sequence:
// tone off, LNB voltage, 15ms, master command, 15ms, mini-burst, 15ms,
// final tone. The switch needs the settle time between each step.
func (f *Frontend) setDiseqc(satNo int, pol Polarisation, toneOn bool) error {
	if err := ioctl(f.frontendFd, feSetTone, secToneOff); err != nil {
		return err
	}

	voltage := uintptr(secVoltage18)
	if pol == PolarisationVerticalOrRight {
		voltage = secVoltage13
	}
	if err := ioctl(f.frontendFd, feSetVoltage, voltage); err != nil {
		return err
	}
	time.Sleep(15 * time.Millisecond)

	flags := byte(0xf0)
	flags |= byte((satNo << 2) & 0x0f)
	if pol == PolarisationVerticalOrRight {
		flags |= 1 << 1
	}
	if toneOn {
		flags |= 1
	}
	cmd := dvbDiseqcMasterCmd{
		Msg:    [6]byte{0xE0, 0x10, 0x38, flags, 0x00, 0x00},
		MsgLen: 4,
	}
	if err := ioctl(f.frontendFd, feDiseqcSendMasterCmd, uintptr(unsafePointer(&cmd))); err != nil {
		return err
	}
	time.Sleep(15 * time.Millisecond)

	burst := uintptr(secMiniA)
	if satNo&0x04 != 0 {
		burst = secMiniB
	}
	if err := ioctl(f.frontendFd, feDiseqcSendBurst, burst); err != nil {
		return err
	}
	time.Sleep(15 * time.Millisecond)

	tone := uintptr(secToneOff)
	if toneOn {
		tone = secToneOn
	}
	return ioctl(f.frontendFd, feSetTone, tone)
}

// setProperties issues a single FE_SET_PROPERTY ioctl carrying cmd/value
// pairs flattened from pairs (cmd0, val0, cmd1, val1, ...).
func (f *Frontend) setProperties(pairs []uint32) error {
	n := len(pairs) / 2
	buf := make([]byte, n*propertySize)
	for i := 0; i < n; i++ {
		off := i * propertySize
		putUint32(buf[off:], pairs[2*i])
		putUint32(buf[off+propertyDataOffset:], pairs[2*i+1])
	}
	props := dtvProperties{
		Num:   uint32(n),
		Props: uintptr(unsafePointer(&buf[0])),
	}
	return ioctl(f.frontendFd, feSetProperty, uintptr(unsafePointer(&props)))
}

// waitLock drains any stale frontend events, polls up to 3s for a fresh one,
// then loops FE_READ_STATUS every 10ms until HAS_LOCK or a 5s wall-clock
// timeout elapses.
func (f *Frontend) waitLock() error {
	var ev dvbFrontendEvent
	for ioctl(f.frontendFd, feGetEvent, uintptr(unsafePointer(&ev))) == nil {
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ioctl(f.frontendFd, feGetEvent, uintptr(unsafePointer(&ev))) == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	lockDeadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(lockDeadline) {
		var status uint32
		if err := ioctl(f.frontendFd, feReadStatus, uintptr(unsafePointer(&status))); err == nil {
			if status&feHasLock != 0 {
				return nil
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return ErrLockTimeout
}

// AddPID opens /dev/dvb/adapter<N>/demux0 and installs a PES filter
// (input=frontend, output=TS tap, type=other, immediate start) for pid.
func (f *Frontend) AddPID(pid uint16) error {
	path := fmt.Sprintf("/dev/dvb/adapter%d/demux0", f.adapter)
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_NONBLOCK|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	params := dmxPESFilterParams{
		PID:     pid,
		Input:   dmxInFrontend,
		Output:  dmxOutTSTap,
		PESType: dmxPESOther,
		Flags:   dmxImmediateStart,
	}
	if err := ioctl(fd, dmxSetPESFilter, uintptr(unsafePointer(&params))); err != nil {
		syscall.Close(fd)
		return fmt.Errorf("DMX_SET_PES_FILTER pid=%d: %w", pid, err)
	}
	f.demuxFds = append(f.demuxFds, fd)
	return nil
}

// openDVR opens /dev/dvb/adapter<N>/dvr0 read-only, non-blocking, as the
// stream descriptor returned to the reader coordinator.
func (f *Frontend) openDVR() error {
	path := fmt.Sprintf("/dev/dvb/adapter%d/dvr0", f.adapter)
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NONBLOCK|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	f.dvrFd = fd
	return nil
}

// Read reads up to len(p) bytes from the DVR tap. Callers typically feed
// this through the TS resynchroniser before further processing.
func (f *Frontend) Read(p []byte) (int, error) {
	if f.dvrFd < 0 {
		return 0, os.ErrClosed
	}
	n, err := syscall.Read(f.dvrFd, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, os.ErrClosed
	}
	return n, nil
}

// SignalStrength reads FE_READ_SIGNAL_STRENGTH and returns it as a 0..1
// fraction of the full uint16 range.
func (f *Frontend) SignalStrength() (float64, error) {
	var raw uint16
	if err := ioctl(f.frontendFd, feReadSignalStrength, uintptr(unsafePointer(&raw))); err != nil {
		return 0, err
	}
	f.lastSignal = float64(raw) / 65535.0
	return f.lastSignal, nil
}

// State returns the driver's current lifecycle state.
func (f *Frontend) State() State { return f.state }

// Stop closes every demux filter, then the DVR tap, then the frontend,
// transitioning back to Closed. Safe to call more than once.
func (f *Frontend) Stop() error {
	if f.closed {
		return nil
	}
	f.closed = true

	for _, fd := range f.demuxFds {
		ioctl(fd, dmxStop, 0)
		syscall.Close(fd)
	}
	f.demuxFds = nil

	if f.dvrFd >= 0 {
		syscall.Close(f.dvrFd)
		f.dvrFd = -1
	}
	if f.frontendFd >= 0 {
		syscall.Close(f.frontendFd)
		f.frontendFd = -1
	}
	f.state = StateClosed
	log.Printf("tuner: adapter=%d stopped", f.adapter)
	return nil
}

func trimNulBytes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
