package daq

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrkit/quadriga/core"
	"github.com/sdrkit/quadriga/core/control"
	"github.com/sdrkit/quadriga/core/frame"
)

const testTimeout = 5 * time.Second

type fakeTuner struct {
	mu            sync.Mutex
	ops           []string
	centerFreq    core.Frequency
	readbackDelta core.Frequency
	gain          core.Gain
	sampleRate    int
	gpio          map[int]bool
	cancelCount   int
	closed        bool

	transfers chan []byte
	cancelCh  chan struct{}
}

func newFakeTuner() *fakeTuner {
	return &fakeTuner{
		gpio:      make(map[int]bool),
		transfers: make(chan []byte),
		cancelCh:  make(chan struct{}, 1),
	}
}

func (f *fakeTuner) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeTuner) SetDithering(enabled bool) error {
	f.record("SetDithering")
	return nil
}

func (f *fakeTuner) SetTunerGainMode(manual bool) error {
	f.record("SetTunerGainMode")
	return nil
}

func (f *fakeTuner) SetCenterFreq(freq core.Frequency) error {
	f.record("SetCenterFreq")
	f.mu.Lock()
	f.centerFreq = freq
	f.mu.Unlock()
	return nil
}

func (f *fakeTuner) GetCenterFreq() core.Frequency {
	f.record("GetCenterFreq")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.centerFreq + f.readbackDelta
}

func (f *fakeTuner) SetTunerGain(gain core.Gain) error {
	f.record("SetTunerGain")
	f.mu.Lock()
	f.gain = gain
	f.mu.Unlock()
	return nil
}

func (f *fakeTuner) SetSampleRate(rate int) error {
	f.record("SetSampleRate")
	f.mu.Lock()
	f.sampleRate = rate
	f.mu.Unlock()
	return nil
}

func (f *fakeTuner) GetSampleRate() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sampleRate
}

func (f *fakeTuner) SetGPIO(pin int, on bool) error {
	f.record("SetGPIO")
	f.mu.Lock()
	f.gpio[pin] = on
	f.mu.Unlock()
	return nil
}

func (f *fakeTuner) ResetBuffer() error {
	f.record("ResetBuffer")
	return nil
}

func (f *fakeTuner) ReadAsync(cb func(buf []byte), bufCount int, bufLen int) error {
	f.record("ReadAsync")
	for {
		select {
		case buf := <-f.transfers:
			cb(buf)
		case <-f.cancelCh:
			return nil
		}
	}
}

func (f *fakeTuner) CancelAsync() error {
	f.mu.Lock()
	f.cancelCount++
	f.mu.Unlock()
	select {
	case f.cancelCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeTuner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTuner) gpioState(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gpio[pin]
}

func (f *fakeTuner) cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCount
}

type testRig struct {
	cfg    core.Configuration
	engine *Engine
	tuners []*fakeTuner
	out    *io.PipeReader
	done   chan error
}

func newTestRig(t *testing.T, numCh int, mutate func(*core.Configuration)) *testRig {
	t.Helper()
	cfg := core.Configuration{
		NumCh:              numCh,
		HWName:             "testbench",
		UnitID:             1,
		DAQBufferSize:      1024,
		SampleRate:         2400000,
		CenterFreq:         140000000,
		Gain:               0,
		EnNoiseSourceCtr:   true,
		CtrChannelSerialNo: core.FirstChannelSerial,
		AuxNoiseCtrChannel: 7,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	tuners := make([]*fakeTuner, numCh)
	devices := make([]core.Tuner, numCh)
	for i := range tuners {
		tuners[i] = newFakeTuner()
		devices[i] = tuners[i]
	}

	outReader, outWriter := io.Pipe()
	engine := New(cfg, devices, 0, outWriter)
	engine.now = func() time.Time { return time.Unix(1700000000, 0) }

	done := make(chan error, 1)
	go func() {
		done <- engine.Run()
		outWriter.Close()
	}()
	t.Cleanup(func() { outReader.Close() })

	return &testRig{cfg: cfg, engine: engine, tuners: tuners, out: outReader, done: done}
}

// pushWith delivers one transfer to every channel, filled by the given
// function.
func (r *testRig) pushWith(t *testing.T, fill func(channel int, buf []byte)) {
	t.Helper()
	for i, tuner := range r.tuners {
		buf := make([]byte, r.cfg.BufferSize())
		fill(i, buf)
		select {
		case tuner.transfers <- buf:
		case <-time.After(testTimeout):
			t.Fatalf("channel %d never accepted the transfer", i)
		}
	}
}

func (r *testRig) push(t *testing.T, value byte) {
	t.Helper()
	r.pushWith(t, func(_ int, buf []byte) {
		for i := range buf {
			buf[i] = value
		}
	})
}

// readFrame reads one header and, for DATA and CAL frames, the
// per-channel payloads in channel order.
func (r *testRig) readFrame(t *testing.T) (*frame.Header, [][]byte) {
	t.Helper()
	header, err := frame.Read(r.out)
	require.NoError(t, err)

	var payloads [][]byte
	if frame.Type(header.FrameType) != frame.TypeDummy {
		payloads = make([][]byte, r.cfg.NumCh)
		for i := range payloads {
			payloads[i] = make([]byte, r.cfg.BufferSize())
			_, err := io.ReadFull(r.out, payloads[i])
			require.NoError(t, err)
		}
	}
	return header, payloads
}

func (r *testRig) halt(t *testing.T) error {
	t.Helper()
	r.engine.Command(control.Command{Op: control.OpHalt})
	select {
	case err := <-r.done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("engine did not shut down")
		return nil
	}
}

func TestFirstFrame(t *testing.T) {
	rig := newTestRig(t, 4, nil)

	rig.push(t, 0x10)
	header, payloads := rig.readFrame(t)

	assert.Equal(t, frame.SyncWord, header.SyncWord)
	assert.Equal(t, frame.HeaderVersion, header.HeaderVersion)
	assert.Equal(t, uint32(0), header.DAQBlockIndex)
	assert.Equal(t, uint32(frame.TypeData), header.FrameType)
	assert.Equal(t, frame.DataTypeIQU8, header.DataType)
	assert.Equal(t, uint32(1024), header.CPILength)
	assert.Equal(t, uint32(0), header.ADCOverdriveFlags)
	assert.Equal(t, uint32(0), header.NoiseSourceState)
	assert.Equal(t, uint32(4), header.ActiveAntChs)
	assert.Equal(t, uint64(1700000000), header.TimeStamp)

	require.Len(t, payloads, 4)
	expected := bytes.Repeat([]byte{0x10}, 2048)
	for i, payload := range payloads {
		assert.Equal(t, expected, payload, "channel %d", i)
	}

	assert.NoError(t, rig.halt(t))
}

func TestBlockIndicesAreStrictlyIncreasing(t *testing.T) {
	rig := newTestRig(t, 2, nil)

	for i := uint32(0); i < 5; i++ {
		rig.push(t, byte(i))
		header, _ := rig.readFrame(t)
		assert.Equal(t, i, header.DAQBlockIndex)
	}

	assert.NoError(t, rig.halt(t))
}

func TestOverdriveFlags(t *testing.T) {
	rig := newTestRig(t, 4, nil)

	rig.pushWith(t, func(channel int, buf []byte) {
		for i := range buf {
			buf[i] = 0x10
		}
		if channel == 2 {
			buf[17] = 0xff
		}
	})
	header, _ := rig.readFrame(t)
	assert.Equal(t, uint32(0b0100), header.ADCOverdriveFlags)

	rig.push(t, 0x10)
	header, _ = rig.readFrame(t)
	assert.Equal(t, uint32(0), header.ADCOverdriveFlags)

	assert.NoError(t, rig.halt(t))
}

func TestNoiseSourceCommand(t *testing.T) {
	rig := newTestRig(t, 4, nil)

	rig.push(t, 0x10)
	header, _ := rig.readFrame(t)
	assert.Equal(t, uint32(frame.TypeData), header.FrameType)

	rig.engine.Command(control.Command{Op: control.OpNoiseOn})

	for i := 1; i <= 8; i++ {
		rig.push(t, 0x10)
		header, payloads := rig.readFrame(t)
		assert.Equal(t, uint32(frame.TypeDummy), header.FrameType, "frame %d", i)
		assert.Equal(t, frame.DataTypeDummy, header.DataType, "frame %d", i)
		assert.Equal(t, uint32(0), header.CPILength, "frame %d", i)
		assert.Empty(t, payloads, "frame %d", i)
		assert.Equal(t, uint32(1), header.NoiseSourceState, "frame %d", i)
	}

	rig.push(t, 0x10)
	header, payloads := rig.readFrame(t)
	assert.Equal(t, uint32(frame.TypeCal), header.FrameType)
	assert.Equal(t, uint32(9), header.DAQBlockIndex)
	assert.Equal(t, uint32(1), header.NoiseSourceState)
	assert.Len(t, payloads, 4)

	// the control-channel device drives the noise source GPIO
	assert.True(t, rig.tuners[0].gpioState(0))

	assert.NoError(t, rig.halt(t))
}

func TestRetuneCommand(t *testing.T) {
	rig := newTestRig(t, 4, nil)
	for _, tuner := range rig.tuners {
		tuner.mu.Lock()
		tuner.readbackDelta = 2
		tuner.mu.Unlock()
	}

	rig.push(t, 0x10)
	rig.readFrame(t)

	rig.engine.Command(control.Command{Op: control.OpRetune, CenterFreq: 433000000})

	for i := 1; i <= 8; i++ {
		rig.push(t, 0x10)
		header, _ := rig.readFrame(t)
		assert.Equal(t, uint32(frame.TypeDummy), header.FrameType, "frame %d", i)
	}

	rig.push(t, 0x10)
	header, _ := rig.readFrame(t)
	assert.Equal(t, uint32(frame.TypeData), header.FrameType)
	assert.Equal(t, uint64(433000002), header.RFCenterFreq, "header must carry the driver-reported readback")

	assert.NoError(t, rig.halt(t))
}

func TestRegainCommand(t *testing.T) {
	rig := newTestRig(t, 4, nil)

	rig.push(t, 0x10)
	rig.readFrame(t)

	gains := []core.Gain{10, 20, 30, 40}
	rig.engine.Command(control.Command{Op: control.OpRegain, Gains: gains})

	for i := 1; i <= 8; i++ {
		rig.push(t, 0x10)
		header, _ := rig.readFrame(t)
		assert.Equal(t, uint32(frame.TypeDummy), header.FrameType, "frame %d", i)
	}

	rig.push(t, 0x10)
	header, _ := rig.readFrame(t)
	for i, gain := range gains {
		assert.Equal(t, uint32(gain), header.IFGains[i], "channel %d", i)
	}
	for i, tuner := range rig.tuners {
		tuner.mu.Lock()
		assert.Equal(t, gains[i], tuner.gain, "channel %d", i)
		tuner.mu.Unlock()
	}

	assert.NoError(t, rig.halt(t))
}

func TestReconfigureCommand(t *testing.T) {
	rig := newTestRig(t, 2, nil)
	for _, tuner := range rig.tuners {
		tuner.mu.Lock()
		tuner.readbackDelta = 1
		tuner.mu.Unlock()
	}

	rig.push(t, 0x10)
	rig.readFrame(t)

	rig.engine.Command(control.Command{
		Op:         control.OpReconfigure,
		CenterFreq: 433000000,
		SampleRate: 1024000,
		Gain:       300,
	})

	for i := 1; i <= 8; i++ {
		rig.push(t, 0x10)
		header, _ := rig.readFrame(t)
		assert.Equal(t, uint32(frame.TypeDummy), header.FrameType, "frame %d", i)
	}

	rig.push(t, 0x10)
	header, _ := rig.readFrame(t)
	assert.Equal(t, uint32(frame.TypeData), header.FrameType)
	assert.Equal(t, uint64(433000001), header.RFCenterFreq)
	assert.Equal(t, uint32(300), header.IFGains[0])
	assert.Equal(t, uint32(300), header.IFGains[1])

	// the async reads were cancelled and the producers re-initialized
	for i, tuner := range rig.tuners {
		assert.GreaterOrEqual(t, tuner.cancels(), 1, "channel %d", i)
		tuner.mu.Lock()
		assert.Equal(t, 1024000, tuner.sampleRate, "channel %d", i)
		readAsyncs := 0
		for _, op := range tuner.ops {
			if op == "ReadAsync" {
				readAsyncs++
			}
		}
		tuner.mu.Unlock()
		assert.GreaterOrEqual(t, readAsyncs, 2, "channel %d must restart the async read", i)
	}

	assert.NoError(t, rig.halt(t))
}

func TestHalt(t *testing.T) {
	rig := newTestRig(t, 4, nil)

	rig.push(t, 0x10)
	rig.readFrame(t)

	require.NoError(t, rig.halt(t))

	for i, tuner := range rig.tuners {
		assert.GreaterOrEqual(t, tuner.cancels(), 1, "channel %d", i)
		tuner.mu.Lock()
		assert.True(t, tuner.closed, "channel %d", i)
		tuner.mu.Unlock()
	}
}

func TestControlFailureWindsDown(t *testing.T) {
	rig := newTestRig(t, 2, nil)

	rig.engine.ControlFailed(io.ErrUnexpectedEOF)

	select {
	case err := <-rig.done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("engine did not shut down")
	}
}

func TestShortTransferIsFatal(t *testing.T) {
	rig := newTestRig(t, 2, nil)

	short := make([]byte, 16)
	select {
	case rig.tuners[0].transfers <- short:
	case <-time.After(testTimeout):
		t.Fatal("channel 0 never accepted the transfer")
	}

	select {
	case err := <-rig.done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "transfer")
	case <-time.After(testTimeout):
		t.Fatal("engine did not shut down")
	}
}

func TestInitializationOrder(t *testing.T) {
	rig := newTestRig(t, 1, nil)

	rig.push(t, 0x10)
	rig.readFrame(t)
	require.NoError(t, rig.halt(t))

	expected := []string{
		"SetDithering",
		"SetTunerGainMode",
		"SetCenterFreq",
		"GetCenterFreq",
		"SetTunerGain",
		"SetSampleRate",
		"SetGPIO",
		"ResetBuffer",
	}
	tuner := rig.tuners[0]
	tuner.mu.Lock()
	defer tuner.mu.Unlock()
	require.GreaterOrEqual(t, len(tuner.ops), len(expected))
	assert.Equal(t, expected, tuner.ops[:len(expected)])
}

func TestFrameCallback(t *testing.T) {
	var mu sync.Mutex
	var stats []FrameStats

	rig := newTestRig(t, 2, nil)
	rig.engine.OnFrame(func(s FrameStats) {
		mu.Lock()
		stats = append(stats, s)
		mu.Unlock()
	})

	rig.push(t, 0x10)
	rig.readFrame(t)
	require.NoError(t, rig.halt(t))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stats, 1)
	assert.Equal(t, uint32(0), stats[0].BlockIndex)
	assert.Equal(t, frame.TypeData, stats[0].FrameType)
}
