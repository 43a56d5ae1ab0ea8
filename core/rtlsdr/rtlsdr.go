// Package rtlsdr maps the core.Tuner interface onto the RTL-SDR
// driver binding and discovers the channel devices by their serial
// numbers.
package rtlsdr

import (
	"strconv"

	"github.com/charmbracelet/log"
	rtl "github.com/jpoirier/gortlsdr"
	"github.com/pkg/errors"

	"github.com/sdrkit/quadriga/core"
)

// Device is one opened RTL-SDR dongle.
type Device struct {
	dev    *rtl.Context
	serial string
}

// OpenChannels opens the devices of the first numCh logical channels.
// Channel i is the device with serial strconv(core.FirstChannelSerial+i);
// a missing serial or a failed open is fatal.
func OpenChannels(numCh int) ([]core.Tuner, error) {
	result := make([]core.Tuner, numCh)
	for i := 0; i < numCh; i++ {
		serial := strconv.Itoa(core.FirstChannelSerial + i)
		index, err := rtl.GetIndexBySerial(serial)
		if err != nil {
			return nil, errors.Wrapf(err, "the serial numbers of the devices are not yet configured, no device with serial %s", serial)
		}
		log.Info("device found", "serial", serial, "index", index)

		dev, err := rtl.Open(index)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open RTL-SDR device with serial %s", serial)
		}
		result[i] = &Device{dev: dev, serial: serial}
	}
	return result, nil
}

// ControlChannel resolves the configured control-channel serial number
// to a logical channel index. An unknown serial falls back to channel
// 0 with a warning.
func ControlChannel(serialNo, numCh int) int {
	if _, err := rtl.GetIndexBySerial(strconv.Itoa(serialNo)); err != nil {
		log.Warn("failed to identify the control channel by its configured serial number", "serial", serialNo)
		log.Warn("set to default channel 0")
		return 0
	}
	channel := serialNo - core.FirstChannelSerial
	if channel < 0 || channel >= numCh {
		log.Warn("control channel serial is outside the data channels, set to default channel 0", "serial", serialNo)
		return 0
	}
	return channel
}

// SetDithering would disable the PLL dithering for phase-coherent
// operation. The stock driver binding does not expose the dithering
// control, the error surfaces as a logged initialization error.
func (d *Device) SetDithering(enabled bool) error {
	return errors.New("dithering control requires a driver build with dithering support")
}

func (d *Device) SetTunerGainMode(manual bool) error {
	return d.dev.SetTunerGainMode(manual)
}

func (d *Device) SetCenterFreq(f core.Frequency) error {
	return d.dev.SetCenterFreq(int(f))
}

func (d *Device) GetCenterFreq() core.Frequency {
	return core.Frequency(d.dev.GetCenterFreq())
}

func (d *Device) SetTunerGain(g core.Gain) error {
	return d.dev.SetTunerGain(int(g))
}

func (d *Device) SetSampleRate(rate int) error {
	return d.dev.SetSampleRate(rate)
}

func (d *Device) GetSampleRate() int {
	return d.dev.GetSampleRate()
}

// SetGPIO drives the given GPIO pin. The stock driver binding has no
// GPIO entry point, the error surfaces where the noise source is
// switched.
func (d *Device) SetGPIO(pin int, on bool) error {
	return errors.Errorf("GPIO %d control requires a driver build with GPIO support", pin)
}

func (d *Device) ResetBuffer() error {
	return d.dev.ResetBuffer()
}

func (d *Device) ReadAsync(cb func(buf []byte), bufCount int, bufLen int) error {
	return d.dev.ReadAsync(cb, nil, bufCount, bufLen)
}

func (d *Device) CancelAsync() error {
	return d.dev.CancelAsync()
}

func (d *Device) Close() error {
	return d.dev.Close()
}
