// Package control implements the out-of-band control plane: a named
// pipe carrying single-byte command codes, optionally followed by
// fixed-width host-endian arguments.
package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sdrkit/quadriga/core"
)

// DefaultPipePath is the fixed location of the control pipe, shared
// with the tooling that drives the acquisition chain.
const DefaultPipePath = "_data_control/rec_control_fifo"

// Opcode is the single-byte command code on the control pipe.
type Opcode byte

// All opcodes.
const (
	OpReconfigure Opcode = 'r' // deprecated full tuner reconfiguration
	OpRetune      Opcode = 'c'
	OpRegain      Opcode = 'g'
	OpNoiseOn     Opcode = 'n'
	OpNoiseOff    Opcode = 'f'
	OpHalt        Opcode = 0x02
)

func (o Opcode) String() string {
	switch o {
	case OpReconfigure:
		return "reconfigure"
	case OpRetune:
		return "retune"
	case OpRegain:
		return "regain"
	case OpNoiseOn:
		return "noise-on"
	case OpNoiseOff:
		return "noise-off"
	case OpHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// Command is one decoded control request.
type Command struct {
	Op         Opcode
	CenterFreq core.Frequency
	SampleRate uint32
	Gain       core.Gain
	Gains      []core.Gain
}

// ErrUnknownOpcode is returned by ReadCommand for an unrecognized
// command byte; the byte is consumed.
type ErrUnknownOpcode struct {
	Byte byte
}

func (e ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("unknown control opcode 0x%02x", e.Byte)
}

// hostOrder matches the argument encoding of the pipe's writers, which
// are co-located on the same host.
var hostOrder = binary.NativeEndian

// ReadCommand blocks until one command byte arrives and decodes the
// opcode together with its arguments. It is the single place where the
// wire format of the pipe is known.
func ReadCommand(r io.Reader, numCh int) (Command, error) {
	var opcode [1]byte
	if _, err := io.ReadFull(r, opcode[:]); err != nil {
		return Command{}, errors.Wrap(err, "cannot read control opcode")
	}

	cmd := Command{Op: Opcode(opcode[0])}
	switch cmd.Op {
	case OpReconfigure:
		var args struct {
			CenterFreq uint32
			SampleRate uint32
			Gain       int32
		}
		if err := binary.Read(r, hostOrder, &args); err != nil {
			return Command{}, errors.Wrap(err, "cannot read reconfigure arguments")
		}
		cmd.CenterFreq = core.Frequency(args.CenterFreq)
		cmd.SampleRate = args.SampleRate
		cmd.Gain = core.Gain(args.Gain)
	case OpRetune:
		var centerFreq uint32
		if err := binary.Read(r, hostOrder, &centerFreq); err != nil {
			return Command{}, errors.Wrap(err, "cannot read retune argument")
		}
		cmd.CenterFreq = core.Frequency(centerFreq)
	case OpRegain:
		gains := make([]int32, numCh)
		if err := binary.Read(r, hostOrder, gains); err != nil {
			return Command{}, errors.Wrap(err, "cannot read gain vector")
		}
		cmd.Gains = make([]core.Gain, numCh)
		for i, g := range gains {
			cmd.Gains[i] = core.Gain(g)
		}
	case OpNoiseOn, OpNoiseOff, OpHalt:
		// no arguments
	default:
		return Command{}, ErrUnknownOpcode{Byte: opcode[0]}
	}
	return cmd, nil
}

// Handler receives decoded commands from the reader. Command is called
// for every valid request; ControlFailed reports that the control
// plane is lost and the acquisition should wind down.
type Handler interface {
	Command(Command)
	ControlFailed(error)
}

// Reader drains the control pipe and posts requests to its handler.
type Reader struct {
	path    string
	numCh   int
	handler Handler

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewReader returns a reader for the pipe at the given path.
func NewReader(path string, numCh int, handler Handler) *Reader {
	return &Reader{path: path, numCh: numCh, handler: handler}
}

// Run opens the pipe and reads commands until the pipe is closed or a
// halt command has been handed on. A failure to open the pipe is
// reported through ControlFailed.
func (r *Reader) Run(wait *sync.WaitGroup) {
	wait.Add(1)
	go func() {
		defer wait.Done()
		defer log.Debug("control reader shutdown")

		file, err := r.open()
		if err != nil {
			log.Error("failed to open control pipe", "path", r.path, "error", err)
			r.handler.ControlFailed(err)
			return
		}

		for {
			cmd, err := ReadCommand(file, r.numCh)
			var unknown ErrUnknownOpcode
			switch {
			case errors.As(err, &unknown):
				log.Warn("discarding unknown control opcode", "byte", unknown.Byte)
				continue
			case err != nil:
				if !r.isClosed() {
					log.Error("control pipe read failed", "error", err)
				}
				return
			}
			log.Info("control command received", "op", cmd.Op)
			r.handler.Command(cmd)
			if cmd.Op == OpHalt {
				return
			}
		}
	}()
}

// Close unblocks a pending pipe read and stops the reader.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *Reader) open() (*os.File, error) {
	if err := unix.Mkfifo(r.path, 0o644); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, errors.Wrapf(err, "cannot create control pipe at %s", r.path)
	}
	// O_RDWR keeps a writer side open on our end: opening never
	// blocks, and the read keeps blocking across external writers
	// connecting and disconnecting.
	file, err := os.OpenFile(r.path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open control pipe at %s", r.path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		file.Close()
		return nil, errors.New("control reader already closed")
	}
	r.file = file
	return file, nil
}

func (r *Reader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
