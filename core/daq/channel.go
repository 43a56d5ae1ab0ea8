package daq

import (
	"github.com/sdrkit/quadriga/core"
)

// Channel is the record of one logical receiver channel. The desired
// tuner settings are mutated by control-plane reconfiguration;
// blocksProduced is written only by the channel's transfer callback
// and read by the aligner, both under the engine mutex.
type Channel struct {
	Index  int
	Device core.Tuner

	CenterFreq core.Frequency
	SampleRate int
	Gain       core.Gain

	ring           *Ring
	blocksProduced uint64
}

func newChannel(index int, device core.Tuner, cfg core.Configuration) *Channel {
	return &Channel{
		Index:      index,
		Device:     device,
		CenterFreq: cfg.CenterFreq,
		SampleRate: cfg.SampleRate,
		Gain:       cfg.Gain,
		ring:       NewRing(cfg.BufferSize()),
	}
}
