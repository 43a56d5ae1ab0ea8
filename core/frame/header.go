// Package frame defines the fixed-layout IQ frame header that
// precedes every emitted block on the output stream.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// SyncWord marks the start of every frame header.
const SyncWord uint32 = 0x2bf7b95a

// HeaderVersion identifies this header layout.
const HeaderVersion uint32 = 7

// HeaderSize is the encoded size of the header in bytes.
const HeaderSize = 1024

// MaxChannels is the number of per-channel gain slots in the header.
const MaxChannels = 32

// Type classifies an emitted frame.
type Type uint32

// All frame types. Ramp and trigger-word frames are part of the wire
// contract of downstream stages; the acquisition core never emits
// them.
const (
	TypeData  Type = 0
	TypeDummy Type = 1
	TypeRamp  Type = 2
	TypeCal   Type = 3
	TypeTrigW Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeDummy:
		return "DUMMY"
	case TypeRamp:
		return "RAMP"
	case TypeCal:
		return "CAL"
	case TypeTrigW:
		return "TRIGW"
	default:
		return "UNKNOWN"
	}
}

// Data type values of the payload following the header.
const (
	DataTypeDummy uint32 = 0
	DataTypeIQU8  uint32 = 1
)

// Header is the 1024-byte record stamped onto every frame. Fields not
// written by the acquisition core stay zero and are filled in by
// downstream stages (decimator, delay synchronizer).
type Header struct {
	SyncWord           uint32
	FrameType          uint32
	HardwareID         [16]byte
	UnitID             uint32
	ActiveAntChs       uint32
	IOOType            uint32
	RFCenterFreq       uint64
	ADCSamplingFreq    uint64
	SamplingFreq       uint64
	CPILength          uint32
	TimeStamp          uint64
	DAQBlockIndex      uint32
	CPIIndex           uint32
	ExtIntegrationCntr uint64
	DataType           uint32
	SampleBitDepth     uint32
	ADCOverdriveFlags  uint32
	IFGains            [MaxChannels]uint32
	DelaySyncFlag      uint32
	IQSyncFlag         uint32
	SyncState          uint32
	NoiseSourceState   uint32
	Reserved           [194]uint32
	HeaderVersion      uint32
}

// hostOrder is the byte order of the emitted stream. Downstream
// consumers are co-located, so the header travels in host order.
var hostOrder = binary.NativeEndian

// New returns a header with the static fields filled from the
// configuration-derived values. All other fields are zero.
func New(hwID string, unitID, numCh, iooType int, centerFreq, sampleRate uint64, cpiLength int, gain uint32) *Header {
	h := &Header{
		SyncWord:        SyncWord,
		FrameType:       uint32(TypeData),
		UnitID:          uint32(unitID),
		ActiveAntChs:    uint32(numCh),
		IOOType:         uint32(iooType),
		RFCenterFreq:    centerFreq,
		ADCSamplingFreq: sampleRate,
		SamplingFreq:    sampleRate, // overwritten by the decimator
		CPILength:       uint32(cpiLength),
		DataType:        DataTypeIQU8,
		SampleBitDepth:  8,
		HeaderVersion:   HeaderVersion,
	}
	copy(h.HardwareID[:], hwID)
	for i := 0; i < numCh && i < MaxChannels; i++ {
		h.IFGains[i] = gain
	}
	return h
}

// WriteTo encodes the header as one contiguous record.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, hostOrder, h); err != nil {
		return 0, errors.Wrap(err, "cannot write frame header")
	}
	return HeaderSize, nil
}

// Read decodes one header from r.
func Read(r io.Reader) (*Header, error) {
	h := new(Header)
	if err := binary.Read(r, hostOrder, h); err != nil {
		return nil, errors.Wrap(err, "cannot read frame header")
	}
	if h.SyncWord != SyncWord {
		return nil, errors.Errorf("invalid sync word 0x%08x", h.SyncWord)
	}
	return h, nil
}
