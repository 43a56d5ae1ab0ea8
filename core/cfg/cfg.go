// Package cfg loads the acquisition chain configuration from its
// sectioned key-value file.
package cfg

import (
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/sdrkit/quadriga/core"
)

// DefaultFilename of the configuration file, shared with the rest of
// the acquisition chain.
const DefaultFilename = "daq_chain_config.ini"

// recognized keys per section; anything else in the file is an error.
var recognized = map[string]map[string]bool{
	"hw": {
		"num_ch":   true,
		"name":     true,
		"unit_id":  true,
		"ioo_type": true,
	},
	"daq": {
		"daq_buffer_size":       true,
		"sample_rate":           true,
		"center_freq":           true,
		"gain":                  true,
		"en_noise_source_ctr":   true,
		"ctr_channel_serial_no": true,
		"log_level":             true,
		"aux_noise_ctr_channel": true,
	},
	"monitor": {
		"en_status_server": true,
		"status_port":      true,
	},
}

// Load reads the configuration from the given file.
func Load(filename string) (core.Configuration, error) {
	file, err := ini.Load(filename)
	if err != nil {
		return core.Configuration{}, errors.Wrapf(err, "cannot load configuration from %s", filename)
	}
	if err := checkKeys(file); err != nil {
		return core.Configuration{}, err
	}

	hw := file.Section("hw")
	daq := file.Section("daq")
	monitor := file.Section("monitor")

	result := core.Configuration{
		NumCh:   hw.Key("num_ch").MustInt(4),
		HWName:  hw.Key("name").MustString("kerberos"),
		UnitID:  hw.Key("unit_id").MustInt(0),
		IOOType: hw.Key("ioo_type").MustInt(0),

		DAQBufferSize:      daq.Key("daq_buffer_size").MustInt(262144),
		SampleRate:         daq.Key("sample_rate").MustInt(2400000),
		CenterFreq:         core.Frequency(daq.Key("center_freq").MustUint(140000000)),
		Gain:               core.Gain(daq.Key("gain").MustInt(0)),
		EnNoiseSourceCtr:   daq.Key("en_noise_source_ctr").MustInt(0) == 1,
		CtrChannelSerialNo: daq.Key("ctr_channel_serial_no").MustInt(core.FirstChannelSerial),
		LogLevel:           daq.Key("log_level").MustInt(2),
		AuxNoiseCtrChannel: daq.Key("aux_noise_ctr_channel").MustInt(7),

		EnStatusServer: monitor.Key("en_status_server").MustInt(0) == 1,
		StatusPort:     monitor.Key("status_port").MustInt(8087),
	}

	if result.NumCh < 1 {
		return core.Configuration{}, errors.Errorf("invalid channel count %d", result.NumCh)
	}
	if result.DAQBufferSize < 1 {
		return core.Configuration{}, errors.Errorf("invalid DAQ buffer size %d", result.DAQBufferSize)
	}

	return result, nil
}

func checkKeys(file *ini.File) error {
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			if len(section.Keys()) > 0 {
				return errors.Errorf("unknown configuration key %q outside any section", section.Keys()[0].Name())
			}
			continue
		}
		known, ok := recognized[section.Name()]
		if !ok {
			return errors.Errorf("unknown configuration section %q", section.Name())
		}
		for _, key := range section.Keys() {
			if !known[key.Name()] {
				return errors.Errorf("unknown configuration key %q in section %q", key.Name(), section.Name())
			}
		}
	}
	return nil
}
