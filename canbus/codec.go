package canbus

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/drivebus/errors"
)

// Temperatures travel offset-encoded in a single byte: stored = celsius + 40.
const (
	tempOffset = 40
	minTempC   = -tempOffset
	maxTempC   = 255 - tempOffset
)

const (
	maxSpeedKmh   = 6553.5 // u16 at 0.1 km/h resolution
	maxWheelSpeed = 255.0  // u8 at 1 km/h resolution
)

// Encode packs a step into its seven frames, in FrameIDs order. Values
// outside a field's wire range are clamped, never rejected.
func Encode(step *DrivingStep) []Frame {
	frames := make([]Frame, 0, BatchSize)

	// 0x100: rpm, fuel pressure (10 kPa resolution), running flag.
	f := Frame{ID: FrameEngineRPM, DLC: frameDLC[FrameEngineRPM]}
	binary.LittleEndian.PutUint16(f.Data[0:2], step.Engine.RPM)
	binary.LittleEndian.PutUint16(f.Data[2:4], step.Engine.FuelPressureKPa/10)
	f.Data[4] = boolByte(step.Engine.Running)
	frames = append(frames, f)

	// 0x101: coolant, intake, throttle, load.
	f = Frame{ID: FrameEngineTemps, DLC: frameDLC[FrameEngineTemps]}
	f.Data[0] = encodeTemp(step.Engine.CoolantTempC)
	f.Data[1] = encodeTemp(step.Engine.IntakeTempC)
	f.Data[2] = step.Engine.ThrottlePercent
	f.Data[3] = step.Engine.EngineLoad
	frames = append(frames, f)

	// 0x200: vehicle speed at 0.1 km/h, gear, four wheel speeds.
	f = Frame{ID: FrameSpeedData, DLC: frameDLC[FrameSpeedData]}
	binary.LittleEndian.PutUint16(f.Data[0:2], uint16(clampFloat(step.Speed.SpeedKmh, maxSpeedKmh)*10))
	f.Data[2] = step.Speed.Gear
	for i, w := range step.Speed.WheelSpeeds {
		f.Data[3+i] = uint8(clampFloat(w, maxWheelSpeed))
	}
	frames = append(frames, f)

	// 0x201: driver-assist flags.
	f = Frame{ID: FrameSpeedFlags, DLC: frameDLC[FrameSpeedFlags]}
	f.Data[0] = packFlags(step.Speed.ABSActive, step.Speed.TractionControl, step.Speed.CruiseControl)
	frames = append(frames, f)

	// 0x300: cabin, target, outside temperatures.
	f = Frame{ID: FrameClimateTemps, DLC: frameDLC[FrameClimateTemps]}
	f.Data[0] = encodeTemp(step.Climate.CabinTempC)
	f.Data[1] = encodeTemp(step.Climate.TargetTempC)
	f.Data[2] = encodeTemp(step.Climate.OutsideTempC)
	frames = append(frames, f)

	// 0x301: fan speed plus HVAC flags.
	f = Frame{ID: FrameClimateFan, DLC: frameDLC[FrameClimateFan]}
	f.Data[0] = step.Climate.FanSpeed
	f.Data[1] = packFlags(step.Climate.ACOn, step.Climate.HeaterOn, step.Climate.DefrostOn,
		step.Climate.AutoMode, step.Climate.Recirculation)
	frames = append(frames, f)

	// 0x400: duration and the step-name hash.
	f = Frame{ID: FrameStepInfo, DLC: frameDLC[FrameStepInfo]}
	binary.LittleEndian.PutUint32(f.Data[0:4], step.DurationMs)
	binary.LittleEndian.PutUint32(f.Data[4:8], StepNameHash(step.StepName))
	frames = append(frames, f)

	return frames
}

// Decode rebuilds a step from a batch of frames. Every one of the seven
// identifiers must be present; a frame with an unknown identifier or a DLC
// that does not match its declared packing fails the whole batch. When the
// same identifier appears more than once the last frame wins.
//
// The step name is not recoverable from the wire. Decode sets NameHash and
// fills StepName with a deterministic placeholder; callers holding a routing
// token restore the original text afterwards.
func Decode(frames []Frame) (*DrivingStep, error) {
	byID := make(map[uint16]Frame, BatchSize)
	for _, f := range frames {
		want, ok := frameDLC[f.ID]
		if !ok {
			return nil, errors.Wrap(errors.ErrMalformedFrame, "canbus", "Decode",
				fmt.Sprintf("unknown frame id 0x%03X", f.ID))
		}
		if f.DLC != want {
			return nil, errors.Wrap(errors.ErrMalformedFrame, "canbus", "Decode",
				fmt.Sprintf("frame 0x%03X has dlc %d, want %d", f.ID, f.DLC, want))
		}
		byID[f.ID] = f
	}
	if len(byID) < BatchSize {
		for _, id := range FrameIDs {
			if _, ok := byID[id]; !ok {
				return nil, errors.Wrap(errors.ErrIncompleteBatch, "canbus", "Decode",
					fmt.Sprintf("frame 0x%03X missing from batch of %d", id, len(frames)))
			}
		}
	}

	step := &DrivingStep{}

	f := byID[FrameEngineRPM]
	step.Engine.RPM = binary.LittleEndian.Uint16(f.Data[0:2])
	step.Engine.FuelPressureKPa = binary.LittleEndian.Uint16(f.Data[2:4]) * 10
	step.Engine.Running = f.Data[4] != 0

	f = byID[FrameEngineTemps]
	step.Engine.CoolantTempC = decodeTemp(f.Data[0])
	step.Engine.IntakeTempC = decodeTemp(f.Data[1])
	step.Engine.ThrottlePercent = f.Data[2]
	step.Engine.EngineLoad = f.Data[3]

	f = byID[FrameSpeedData]
	step.Speed.SpeedKmh = float64(binary.LittleEndian.Uint16(f.Data[0:2])) / 10
	step.Speed.Gear = f.Data[2]
	for i := range step.Speed.WheelSpeeds {
		step.Speed.WheelSpeeds[i] = float64(f.Data[3+i])
	}

	f = byID[FrameSpeedFlags]
	step.Speed.ABSActive = f.Data[0]&0x01 != 0
	step.Speed.TractionControl = f.Data[0]&0x02 != 0
	step.Speed.CruiseControl = f.Data[0]&0x04 != 0

	f = byID[FrameClimateTemps]
	step.Climate.CabinTempC = decodeTemp(f.Data[0])
	step.Climate.TargetTempC = decodeTemp(f.Data[1])
	step.Climate.OutsideTempC = decodeTemp(f.Data[2])

	f = byID[FrameClimateFan]
	step.Climate.FanSpeed = f.Data[0]
	step.Climate.ACOn = f.Data[1]&0x01 != 0
	step.Climate.HeaterOn = f.Data[1]&0x02 != 0
	step.Climate.DefrostOn = f.Data[1]&0x04 != 0
	step.Climate.AutoMode = f.Data[1]&0x08 != 0
	step.Climate.Recirculation = f.Data[1]&0x10 != 0

	f = byID[FrameStepInfo]
	step.DurationMs = binary.LittleEndian.Uint32(f.Data[0:4])
	step.NameHash = binary.LittleEndian.Uint32(f.Data[4:8])
	step.StepName = PlaceholderName(step.NameHash)

	return step, nil
}

func encodeTemp(celsius int16) uint8 {
	v := int(celsius) + tempOffset
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

func decodeTemp(raw uint8) int16 {
	return int16(raw) - tempOffset
}

func clampFloat(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// packFlags packs the given booleans into the low bits of a byte, bit 0
// first.
func packFlags(flags ...bool) byte {
	var out byte
	for i, f := range flags {
		if f {
			out |= 1 << i
		}
	}
	return out
}
