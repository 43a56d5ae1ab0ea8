package daq

import (
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/sdrkit/quadriga/core"
)

// producerState tracks where a device producer is in its lifecycle.
type producerState int

const (
	stateInit producerState = iota
	stateAtBarrier
	stateStreaming
	stateCancelling
)

func (s producerState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateAtBarrier:
		return "at-barrier"
	case stateStreaming:
		return "streaming"
	case stateCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// runProducer brings the channel's device to a known state, waits for
// all producers at the start barrier so the asynchronous reads begin
// in the same tight window, and streams transfers into the ring until
// the engine cancels the read. A cancel caused by the reconfigure
// command loops back through initialization and the barrier.
func (e *Engine) runProducer(ch *Channel) {
	defer e.producers.Done()

	state := stateInit
	for {
		if e.exiting() {
			return
		}
		log.Debug("producer state", "channel", ch.Index, "state", state)
		switch state {
		case stateInit:
			e.initChannel(ch)
			state = stateAtBarrier
		case stateAtBarrier:
			if !e.barrier.Await() {
				return
			}
			state = stateStreaming
		case stateStreaming:
			err := ch.Device.ReadAsync(e.transferCallback(ch), core.AsyncBufferCount, e.bufferSize)
			if err != nil {
				log.Error("async read ended", "channel", ch.Index, "error", err)
			}
			state = stateCancelling
		case stateCancelling:
			// the async read returned after a cancel; re-initialize
			// and rendezvous again for the reconfigure path
			state = stateInit
		}
	}
}

// initChannel applies the static device configuration. The order is
// load-bearing for phase coherence. Failures are logged and the
// device continues with whatever state it has.
func (e *Engine) initChannel(ch *Channel) {
	log.Info("initializing device", "channel", ch.Index)
	dev := ch.Device

	if err := dev.SetDithering(false); err != nil {
		log.Error("failed to disable dithering", "channel", ch.Index, "error", err)
	}
	if err := dev.SetTunerGainMode(true); err != nil {
		log.Error("failed to disable AGC", "channel", ch.Index, "error", err)
	}
	if err := dev.SetCenterFreq(ch.CenterFreq); err != nil {
		log.Error("failed to set center frequency", "channel", ch.Index, "error", err)
	}
	e.mu.Lock()
	ch.CenterFreq = dev.GetCenterFreq()
	e.mu.Unlock()
	if err := dev.SetTunerGain(ch.Gain); err != nil {
		log.Error("failed to set gain", "channel", ch.Index, "error", err)
	}
	if err := dev.SetSampleRate(ch.SampleRate); err != nil {
		log.Error("failed to set sample rate", "channel", ch.Index, "error", err)
	}
	if err := dev.SetGPIO(noiseSourceGPIO, false); err != nil {
		log.Error("failed to switch off noise source", "channel", ch.Index, "error", err)
	}
	if err := dev.ResetBuffer(); err != nil {
		log.Error("failed to reset device buffer", "channel", ch.Index, "error", err)
	}

	log.Info("device initialized", "channel", ch.Index)
	if ch.Index == 0 {
		log.Info("exact device parameters", "sampleRate", dev.GetSampleRate(), "centerFreq", dev.GetCenterFreq())
	}
}

// transferCallback returns the per-transfer driver callback of the
// channel. The callback must return promptly to the driver, so it only
// copies the transfer into the current ring slot, advances the block
// counter, and signals the aligner.
func (e *Engine) transferCallback(ch *Channel) func(buf []byte) {
	return func(buf []byte) {
		if len(buf) != e.bufferSize {
			e.fail(errors.Errorf("channel %d delivered a transfer of %d bytes, expected %d", ch.Index, len(buf), e.bufferSize))
			return
		}
		copy(ch.ring.Slot(ch.blocksProduced), buf)

		e.mu.Lock()
		ch.blocksProduced++
		log.Debug("transfer complete", "channel", ch.Index, "blockIndex", ch.blocksProduced-1)
		e.cond.Signal()
		e.mu.Unlock()
	}
}
