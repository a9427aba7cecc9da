// Package canbus implements the CAN frame codec for driving-state records.
// A DrivingStep always encodes to exactly seven fixed-identity frames and is
// reconstructed from the same seven; the step name travels as a one-way hash
// (see Decode for the lossy round-trip contract).
package canbus

import "fmt"

// Frame identifiers for the seven slices of a DrivingStep.
const (
	FrameEngineRPM    uint16 = 0x100 // rpm, fuel pressure, running flag
	FrameEngineTemps  uint16 = 0x101 // coolant, intake, throttle, load
	FrameSpeedData    uint16 = 0x200 // vehicle speed, gear, wheel speeds
	FrameSpeedFlags   uint16 = 0x201 // ABS, traction control, cruise control
	FrameClimateTemps uint16 = 0x300 // cabin, target, outside
	FrameClimateFan   uint16 = 0x301 // fan speed, climate flags
	FrameStepInfo     uint16 = 0x400 // duration, step-name hash
)

// FrameIDs lists the seven identifiers in encode order.
var FrameIDs = []uint16{
	FrameEngineRPM,
	FrameEngineTemps,
	FrameSpeedData,
	FrameSpeedFlags,
	FrameClimateTemps,
	FrameClimateFan,
	FrameStepInfo,
}

// BatchSize is the number of frames in a complete batch.
var BatchSize = len(FrameIDs)

// frameDLC maps each identifier to its declared payload length.
var frameDLC = map[uint16]uint8{
	FrameEngineRPM:    5,
	FrameEngineTemps:  4,
	FrameSpeedData:    7,
	FrameSpeedFlags:   1,
	FrameClimateTemps: 3,
	FrameClimateFan:   2,
	FrameStepInfo:     8,
}

// Frame is a single CAN frame: an 11-bit identifier, a data length code and
// up to eight payload bytes. Frames are immutable once persisted.
type Frame struct {
	ID   uint16  `json:"id"`
	DLC  uint8   `json:"dlc"`
	Data [8]byte `json:"data"`
}

// Payload returns the used portion of the frame data.
func (f Frame) Payload() []byte {
	dlc := f.DLC
	if dlc > 8 {
		dlc = 8
	}
	return f.Data[:dlc]
}

// String renders the frame for logs: identifier, DLC and payload bytes.
func (f Frame) String() string {
	return fmt.Sprintf("0x%03X dlc=%d data=% 02X", f.ID, f.DLC, f.Payload())
}

// ExtractBits reads numBits starting at startBit (LSB-first within each
// byte) from data and returns them as a uint64. Reads past the end of data
// contribute zero bits. numBits above 64 yields zero.
func ExtractBits(data []byte, startBit, numBits int) uint64 {
	if numBits <= 0 || numBits > 64 {
		return 0
	}

	startByte := startBit / 8
	startBitInByte := startBit % 8
	var result uint64
	bitsRead := 0

	for byteIdx := startByte; byteIdx < len(data); byteIdx++ {
		if bitsRead >= numBits {
			break
		}

		var bitsFromByte, shiftInByte int
		if byteIdx == startByte {
			bitsFromByte = min(8-startBitInByte, numBits-bitsRead)
			shiftInByte = startBitInByte
		} else {
			bitsFromByte = min(numBits-bitsRead, 8)
		}

		mask := byte(1<<bitsFromByte - 1)
		extracted := (data[byteIdx] >> shiftInByte) & mask

		result |= uint64(extracted) << bitsRead
		bitsRead += bitsFromByte
	}

	return result
}

// SetBits writes the low numBits of value into data starting at startBit,
// LSB-first within each byte. Writes past the end of data are discarded.
func SetBits(data []byte, startBit, numBits int, value uint64) {
	if numBits <= 0 || numBits > 64 {
		return
	}

	startByte := startBit / 8
	startBitInByte := startBit % 8
	bitsWritten := 0

	for byteIdx := startByte; byteIdx < len(data); byteIdx++ {
		if bitsWritten >= numBits {
			break
		}

		var bitsToByte, shiftInByte int
		if byteIdx == startByte {
			bitsToByte = min(8-startBitInByte, numBits-bitsWritten)
			shiftInByte = startBitInByte
		} else {
			bitsToByte = min(numBits-bitsWritten, 8)
		}

		mask := byte(1<<bitsToByte-1) << shiftInByte
		valueBits := byte(value>>bitsWritten) << shiftInByte

		data[byteIdx] = (data[byteIdx] &^ mask) | (valueBits & mask)
		bitsWritten += bitsToByte
	}
}
