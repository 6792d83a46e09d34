//go:build linux

package tuner

import (
	"syscall"
	"unsafe"
)

// Linux DVB API v5 ioctl request numbers and structures: raw syscalls on a
// plain int fd, unsafe.Pointer-marshaled structs laid out byte-for-byte the
// way the kernel expects, with the direction/size-encoded ioctl number
// convention from asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func ioR(typ, nr byte, size uintptr) uintptr { return ioc(iocRead, uintptr(typ), uintptr(nr), size) }
func ioW(typ, nr byte, size uintptr) uintptr { return ioc(iocWrite, uintptr(typ), uintptr(nr), size) }
func ioIO(typ, nr byte) uintptr              { return ioc(iocNone, uintptr(typ), uintptr(nr), 0) }

// Frontend ioctls (linux/dvb/frontend.h), magic 'o' = 0x6F.
var (
	feGetInfo             = ioR('o', 61, unsafe.Sizeof(dvbFrontendInfo{}))
	feDiseqcSendMasterCmd = ioW('o', 63, unsafe.Sizeof(dvbDiseqcMasterCmd{}))
	feDiseqcSendBurst     = ioIO('o', 65)
	feSetTone             = ioIO('o', 66)
	feSetVoltage          = ioIO('o', 67)
	feReadStatus          = ioR('o', 69, unsafe.Sizeof(uint32(0)))
	feReadSignalStrength  = ioR('o', 71, unsafe.Sizeof(uint16(0)))
	feGetEvent            = ioR('o', 78, unsafe.Sizeof(dvbFrontendEvent{}))
	feSetProperty         = ioW('o', 82, unsafe.Sizeof(dtvProperties{}))
)

// Demux ioctls (linux/dvb/dmx.h), same magic.
var (
	dmxStop         = ioIO('o', 42)
	dmxSetPESFilter = ioW('o', 44, unsafe.Sizeof(dmxPESFilterParams{}))
)

// fe_sec_voltage_t
const (
	secVoltage13  = 0
	secVoltage18  = 1
	secVoltageOff = 2
)

// fe_sec_tone_mode_t
const (
	secToneOn  = 0
	secToneOff = 1
)

// fe_sec_mini_cmd_t
const (
	secMiniA = 0
	secMiniB = 1
)

// fe_status_t bits
const (
	feHasSignal  = 0x01
	feHasCarrier = 0x02
	feHasViterbi = 0x04
	feHasSync    = 0x08
	feHasLock    = 0x10
	feTimedOut   = 0x20
)

// fe_type_t (legacy, still reported by FE_GET_INFO)
const feTypeQPSK = 0

// dtv_property cmd values (linux/dvb/frontend.h)
const (
	dtvTune           = 1
	dtvFrequency      = 3
	dtvModulation     = 4
	dtvInversion      = 6
	dtvSymbolRate     = 8
	dtvInnerFEC       = 9
	dtvPilot          = 12
	dtvRolloff        = 13
	dtvDeliverySystem = 17
)

// fe_modulation_t
const (
	modQPSK   = 0
	modPSK8   = 9
	modAPSK16 = 10
	modAPSK32 = 11
)

// fe_rolloff_t
const (
	rolloff35   = 0
	rolloff20   = 1
	rolloff25   = 2
	rolloffAuto = 3
)

// fe_code_rate_t
const fecAuto = 9

// fe_spectral_inversion_t
const (
	inversionOff  = 0
	inversionAuto = 2
)

// fe_pilot_t
const pilotAuto = 2

// fe_delivery_system_t
const (
	sysDVBS  = 5
	sysDVBS2 = 6
)

// dmx_input_t / dmx_output_t / dmx_pes_type_t
const (
	dmxInFrontend     = 0
	dmxOutTSTap       = 2
	dmxPESOther       = 20
	dmxImmediateStart = 0x4
)

// dvbFrontendInfo mirrors struct dvb_frontend_info. Only the fields this
// driver reads (Name, Type, Caps) are given real significance; the rest exist so
// the struct's size matches the kernel's for the ioctl's benefit.
type dvbFrontendInfo struct {
	Name                [128]byte
	Type                int32
	FrequencyMin        uint32
	FrequencyMax        uint32
	FrequencyStepsize   uint32
	FrequencyTolerance  uint32
	SymbolRateMin       uint32
	SymbolRateMax       uint32
	SymbolRateTolerance uint32
	NotifierDelay       uint32
	Caps                uint32
}

// dvbDiseqcMasterCmd mirrors struct dvb_diseqc_master_cmd.
type dvbDiseqcMasterCmd struct {
	Msg    [6]byte
	MsgLen byte
}

// dvbFrontendEvent mirrors struct dvb_frontend_event enough to drain stale
// events; the legacy dvb_frontend_parameters member (frequency + inversion +
// a 28-byte union) is represented only by its byte size, which must match the
// kernel's since FE_GET_EVENT encodes sizeof in the ioctl number.
type dvbFrontendEvent struct {
	Status     uint32
	Parameters [36]byte
}

// dtvProperty is one entry of a FE_SET_PROPERTY command sequence. The real
// kernel struct's union is 56 bytes wide (its largest member is the 56-byte
// "buffer" variant); we only ever populate the leading uint32 Data field,
// but the struct must still be exactly as wide as the kernel's for an array
// of these to stride correctly, so propertySize and propertyDataOffset
// below are used to build each entry as a raw byte block rather than a Go
// struct literal (which would not reproduce the kernel's packed layout).
const (
	propertySize       = 76 // cmd(4) + reserved[3](12) + union(56) + result(4)
	propertyDataOffset = 16 // cmd(4) + reserved[3](12)
)

// dtvProperties mirrors struct dtv_properties: a count and a pointer to a
// contiguous array of dtv_property entries.
type dtvProperties struct {
	Num   uint32
	_     uint32
	Props uintptr
}

// dmxPESFilterParams mirrors struct dmx_pes_filter_params.
type dmxPESFilterParams struct {
	PID     uint16
	_       uint16
	Input   int32
	Output  int32
	PESType int32
	Flags   uint32
}

// unsafePointer is a thin generic wrapper so call sites in frontend.go don't
// need a local unsafe import of their own.
func unsafePointer[T any](p *T) unsafe.Pointer {
	return unsafe.Pointer(p)
}

// ioctl issues a raw ioctl(2) on fd, returning the errno as an error if
// nonzero.
func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
