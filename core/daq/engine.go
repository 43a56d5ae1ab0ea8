// Package daq implements the coherent multichannel acquisition
// engine: per-device producers feeding per-channel rings, a start
// barrier that releases all asynchronous reads in the same tight
// window, and the aligner that emits one header-plus-payload frame
// whenever every channel has produced a matching block.
package daq

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/sdrkit/quadriga/core"
	"github.com/sdrkit/quadriga/core/control"
	"github.com/sdrkit/quadriga/core/frame"
)

// noiseSourceGPIO is the pin that switches the calibration noise
// source on the control-channel device.
const noiseSourceGPIO = 0

// dummyFrameCount is the number of header-only frames emitted after a
// control command while the RF path settles.
const dummyFrameCount = 8

const overdriveMarker = 0xff

// FrameStats describes one emitted frame for observers outside the
// data plane.
type FrameStats struct {
	BlockIndex  uint32
	FrameType   frame.Type
	Overdrive   uint32
	NoiseSource bool
	TimeStamp   uint64
}

// Engine owns the channels, the alignment mutex and condition
// variable, and all control-plane state. It implements
// control.Handler.
type Engine struct {
	cfg        core.Configuration
	out        *bufio.Writer
	channels   []*Channel
	bufferSize int
	ctrChannel int
	barrier    *barrier
	producers  sync.WaitGroup

	header  *frame.Header
	onFrame func(FrameStats)

	mu   sync.Mutex
	cond *sync.Cond

	// control state, guarded by mu
	pendingCenterFreq core.Frequency
	centerFreqPending bool
	pendingGains      []core.Gain
	gainsPending      bool
	reconfigTrigger   bool
	noiseSource       bool
	lastNoiseSource   bool
	dummyActive       bool
	dummyCounter      int
	exitFlag          bool
	fatalErr          error

	// aligner state
	emitIndex uint64
	now       func() time.Time
}

// New returns an engine driving the given tuners as channels
// 0..len(tuners)-1, emitting the frame stream on out. ctrChannel is
// the logical index of the device whose GPIO drives the noise source.
func New(cfg core.Configuration, tuners []core.Tuner, ctrChannel int, out io.Writer) *Engine {
	e := &Engine{
		cfg:        cfg,
		out:        bufio.NewWriterSize(out, frame.HeaderSize+cfg.NumCh*cfg.BufferSize()),
		channels:   make([]*Channel, len(tuners)),
		bufferSize: cfg.BufferSize(),
		ctrChannel: ctrChannel,
		barrier:    newBarrier(len(tuners)),
		header: frame.New(cfg.HWName, cfg.UnitID, cfg.NumCh, cfg.IOOType,
			uint64(cfg.CenterFreq), uint64(cfg.SampleRate), cfg.DAQBufferSize, uint32(cfg.Gain)),
		now: time.Now,
	}
	e.cond = sync.NewCond(&e.mu)
	for i, tuner := range tuners {
		e.channels[i] = newChannel(i, tuner, cfg)
	}
	return e
}

// OnFrame registers a callback invoked after every emitted frame. The
// callback runs on the aligner goroutine and must not block.
func (e *Engine) OnFrame(f func(FrameStats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFrame = f
}

// Run spawns the producers and the alignment loop and blocks until
// shutdown. It returns nil on a clean halt and the fatal error
// otherwise.
func (e *Engine) Run() error {
	e.producers.Add(len(e.channels))
	for _, ch := range e.channels {
		go e.runProducer(ch)
	}

	e.mu.Lock()
	for {
		for !e.exitFlag && !e.dataReady() {
			e.cond.Wait()
		}
		if e.dataReady() {
			if err := e.emitFrame(); err != nil {
				e.exitFlag = true
				if e.fatalErr == nil {
					e.fatalErr = err
				}
			}
			e.applyReconfiguration()
		}
		if e.exitFlag {
			break
		}
	}
	e.mu.Unlock()

	return e.shutdown()
}

// Command posts a decoded control request. Every request arms the
// dummy-frame interval so the downstream sees a quiesce window while
// the change settles.
func (e *Engine) Command(cmd control.Command) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch cmd.Op {
	case control.OpReconfigure:
		log.Info("reconfiguring the tuners", "centerFreq", cmd.CenterFreq, "sampleRate", cmd.SampleRate, "gain", cmd.Gain)
		for _, ch := range e.channels {
			ch.CenterFreq = cmd.CenterFreq
			ch.SampleRate = int(cmd.SampleRate)
			ch.Gain = cmd.Gain
		}
		e.reconfigTrigger = true
	case control.OpRetune:
		log.Info("center frequency tuning request", "centerFreq", cmd.CenterFreq)
		e.pendingCenterFreq = cmd.CenterFreq
		e.centerFreqPending = true
	case control.OpRegain:
		log.Info("gain tuning request")
		e.pendingGains = append([]core.Gain(nil), cmd.Gains...)
		e.gainsPending = true
	case control.OpNoiseOn:
		log.Info("turning on the noise source")
		e.noiseSource = true
	case control.OpNoiseOff:
		log.Info("turning off the noise source")
		e.noiseSource = false
	case control.OpHalt:
		log.Info("halt requested")
		e.exitFlag = true
	}

	e.dummyActive = true
	e.dummyCounter = 0
	e.cond.Signal()
}

// ControlFailed reports a lost control plane; the acquisition winds
// down cleanly, there is just nobody left to drive it.
func (e *Engine) ControlFailed(err error) {
	log.Error("control plane lost, winding down", "error", err)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exitFlag = true
	e.cond.Signal()
}

// dataReady reports whether every channel has produced a block beyond
// the emit index. Callers must hold mu.
func (e *Engine) dataReady() bool {
	for _, ch := range e.channels {
		if ch.blocksProduced <= e.emitIndex {
			return false
		}
	}
	return true
}

// emitFrame stamps the header and writes one frame at the current emit
// index. Callers must hold mu.
func (e *Engine) emitFrame() error {
	h := e.header
	h.TimeStamp = uint64(e.now().Unix())
	h.DAQBlockIndex = uint32(e.emitIndex)
	h.RFCenterFreq = uint64(e.channels[0].CenterFreq)

	var overdrive uint32
	for _, ch := range e.channels {
		h.IFGains[ch.Index] = uint32(ch.Gain)
		if bytes.IndexByte(ch.ring.Slot(e.emitIndex), overdriveMarker) >= 0 {
			overdrive |= 1 << uint(ch.Index)
		}
	}
	h.ADCOverdriveFlags = overdrive
	if e.noiseSource {
		h.NoiseSourceState = 1
	} else {
		h.NoiseSourceState = 0
	}

	if e.dummyActive {
		h.FrameType = uint32(frame.TypeDummy)
		h.DataType = frame.DataTypeDummy
		h.CPILength = 0
	} else {
		h.CPILength = uint32(e.cfg.DAQBufferSize)
		h.DataType = frame.DataTypeIQU8
		if e.noiseSource {
			h.FrameType = uint32(frame.TypeCal)
		} else {
			h.FrameType = uint32(frame.TypeData)
		}
	}

	if _, err := h.WriteTo(e.out); err != nil {
		return err
	}
	if !e.dummyActive {
		for _, ch := range e.channels {
			if _, err := e.out.Write(ch.ring.Slot(e.emitIndex)); err != nil {
				return errors.Wrapf(err, "cannot write payload of channel %d", ch.Index)
			}
		}
	}
	if err := e.out.Flush(); err != nil {
		return errors.Wrap(err, "cannot flush output")
	}

	if overdrive != 0 {
		log.Warn("overdrive detected", "flags", overdrive)
	}

	e.emitIndex++
	if e.dummyActive {
		e.dummyCounter++
		if e.dummyCounter == dummyFrameCount {
			e.dummyActive = false
		}
	}
	log.Debug("frame written", "blockIndex", h.DAQBlockIndex, "type", frame.Type(h.FrameType))

	if e.onFrame != nil {
		e.onFrame(FrameStats{
			BlockIndex:  h.DAQBlockIndex,
			FrameType:   frame.Type(h.FrameType),
			Overdrive:   overdrive,
			NoiseSource: e.noiseSource,
			TimeStamp:   h.TimeStamp,
		})
	}
	return nil
}

// applyReconfiguration applies pending control-plane requests at the
// frame boundary. Callers must hold mu.
func (e *Engine) applyReconfiguration() {
	// deprecated full reconfiguration: cancel the async reads, the
	// producers re-initialize and rendezvous at the barrier again
	if e.reconfigTrigger {
		for _, ch := range e.channels {
			if err := ch.Device.CancelAsync(); err != nil {
				log.Error("async read stop failed", "channel", ch.Index, "error", err)
			}
		}
		e.reconfigTrigger = false
	}

	if e.centerFreqPending {
		for _, ch := range e.channels {
			if err := ch.Device.SetCenterFreq(e.pendingCenterFreq); err != nil {
				log.Error("failed to set center frequency", "channel", ch.Index, "error", err)
				continue
			}
			ch.CenterFreq = ch.Device.GetCenterFreq()
			log.Info("center frequency changed", "channel", ch.Index, "centerFreq", ch.CenterFreq)
		}
		e.centerFreqPending = false
	}

	if e.gainsPending {
		for _, ch := range e.channels {
			if err := ch.Device.SetTunerGain(e.pendingGains[ch.Index]); err != nil {
				log.Error("failed to set gain", "channel", ch.Index, "error", err)
				continue
			}
			ch.Gain = e.pendingGains[ch.Index]
			log.Info("gain changed", "channel", ch.Index, "gain", ch.Gain)
		}
		e.gainsPending = false
	}

	if e.lastNoiseSource != e.noiseSource && e.cfg.EnNoiseSourceCtr {
		e.switchNoiseSource(e.channels[e.ctrChannel], e.noiseSource)
		// multi-board units need the noise source switched on the
		// second board as well
		aux := e.cfg.AuxNoiseCtrChannel
		if len(e.channels) > 4 && aux >= 0 && aux < len(e.channels) {
			log.Warn("noise source is controlled on the auxiliary channel as well", "channel", aux)
			e.switchNoiseSource(e.channels[aux], e.noiseSource)
		}
	}
	e.lastNoiseSource = e.noiseSource
}

func (e *Engine) switchNoiseSource(ch *Channel, on bool) {
	if err := ch.Device.SetGPIO(noiseSourceGPIO, on); err != nil {
		log.Error("failed to switch noise source", "channel", ch.Index, "on", on, "error", err)
		return
	}
	if on {
		log.Info("noise source turned on")
	} else {
		log.Info("noise source turned off")
	}
}

// shutdown cancels every asynchronous read, joins the producers, and
// reports the first fatal error. A failed cancel is fatal: the
// producer cannot be joined.
func (e *Engine) shutdown() error {
	log.Info("shutting down acquisition")

	e.mu.Lock()
	err := e.fatalErr
	e.mu.Unlock()

	for _, ch := range e.channels {
		if cancelErr := ch.Device.CancelAsync(); cancelErr != nil {
			log.Error("async read stop failed", "channel", ch.Index, "error", cancelErr)
			if err == nil {
				err = errors.Wrapf(cancelErr, "cannot stop async read of channel %d", ch.Index)
			}
		}
	}
	e.barrier.Break()
	e.producers.Wait()

	for _, ch := range e.channels {
		if closeErr := ch.Device.Close(); closeErr != nil {
			log.Error("device close failed", "channel", ch.Index, "error", closeErr)
		}
	}
	log.Info("all channels stopped")
	return err
}

// exiting reports the exit flag; used by the producers between state
// transitions.
func (e *Engine) exiting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitFlag
}

// fail records a fatal runtime error and wakes the aligner.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.exitFlag = true
	e.cond.Signal()
}
