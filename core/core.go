package core

import (
	"fmt"
)

// Frequency represents a tuner frequency in Hz.
type Frequency uint32

func (f Frequency) String() string {
	return fmt.Sprintf("%dHz", uint32(f))
}

// Gain represents a tuner gain in tenths of a dB, following the driver
// convention (e.g. 496 means 49.6 dB).
type Gain int

func (g Gain) String() string {
	return fmt.Sprintf("%.1fdB", float64(g)/10)
}

// RingDepth is the number of slots in each channel's circular buffer.
// The aligner must keep within RingDepth-1 blocks of the producers,
// otherwise the oldest unread block is overwritten.
const RingDepth = 8

// AsyncBufferCount is the number of transfer buffers handed to the
// driver's asynchronous read.
const AsyncBufferCount = 12

// FirstChannelSerial is the serial number of the device mapped to
// logical channel 0. Channel i is mapped to FirstChannelSerial + i.
const FirstChannelSerial = 1000

// Tuner is the driver-side view of a single receiver channel. A
// production implementation wraps the vendor driver; tests substitute
// fakes.
type Tuner interface {
	// SetDithering enables or disables PLL dithering. Dithering must
	// be off for phase-coherent operation.
	SetDithering(enabled bool) error
	// SetTunerGainMode selects manual (true) or automatic gain.
	SetTunerGainMode(manual bool) error
	SetCenterFreq(f Frequency) error
	GetCenterFreq() Frequency
	SetTunerGain(g Gain) error
	SetSampleRate(rate int) error
	GetSampleRate() int
	// SetGPIO drives one of the device's GPIO pins. Pin 0 switches the
	// calibration noise source on supported hardware.
	SetGPIO(pin int, on bool) error
	ResetBuffer() error
	// ReadAsync blocks, invoking cb once per completed transfer, until
	// CancelAsync is called.
	ReadAsync(cb func(buf []byte), bufCount int, bufLen int) error
	CancelAsync() error
	Close() error
}

// Configuration parameters of the acquisition chain, loaded from the
// sectioned key-value configuration file.
type Configuration struct {
	// [hw]
	NumCh   int
	HWName  string
	UnitID  int
	IOOType int

	// [daq]
	DAQBufferSize      int // complex samples per block and channel
	SampleRate         int
	CenterFreq         Frequency
	Gain               Gain
	EnNoiseSourceCtr   bool
	CtrChannelSerialNo int
	LogLevel           int
	AuxNoiseCtrChannel int // second noise-source GPIO channel of multi-board units, -1 disables

	// [monitor]
	EnStatusServer bool
	StatusPort     int
}

// BufferSize is the byte size of one ring slot: one complex IQ sample
// is two bytes, I then Q.
func (c Configuration) BufferSize() int {
	return 2 * c.DAQBufferSize
}
