package canbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	driveerrors "github.com/c360/drivebus/errors"
)

func startupStep() *DrivingStep {
	return &DrivingStep{
		StepName:   "Startup",
		DurationMs: 500,
		Engine: Engine{
			RPM:             800,
			CoolantTempC:    20,
			IntakeTempC:     18,
			ThrottlePercent: 0,
			EngineLoad:      5,
			FuelPressureKPa: 350,
			Running:         true,
		},
		Speed: Speed{
			SpeedKmh:    0,
			WheelSpeeds: [4]float64{0, 0, 0, 0},
			Gear:        0,
		},
		Climate: Climate{
			CabinTempC:   15,
			TargetTempC:  21,
			OutsideTempC: 10,
			FanSpeed:     2,
			HeaterOn:     true,
			AutoMode:     true,
		},
	}
}

func TestEncodeProducesSevenFixedFrames(t *testing.T) {
	frames := Encode(startupStep())
	require.Len(t, frames, BatchSize)
	for i, id := range FrameIDs {
		assert.Equal(t, id, frames[i].ID)
		assert.Equal(t, frameDLC[id], frames[i].DLC)
	}
}

func TestEncodePacking(t *testing.T) {
	step := startupStep()
	step.Engine.RPM = 0x1234
	step.Engine.FuelPressureKPa = 350
	step.Speed.SpeedKmh = 88.5
	step.Speed.Gear = 3
	step.Speed.WheelSpeeds = [4]float64{88, 88, 89, 89}
	step.Speed.ABSActive = true
	step.Speed.CruiseControl = true
	step.DurationMs = 1500

	frames := Encode(step)

	rpm := frames[0]
	assert.Equal(t, byte(0x34), rpm.Data[0])
	assert.Equal(t, byte(0x12), rpm.Data[1])
	assert.Equal(t, byte(35), rpm.Data[2], "fuel pressure packed at 10 kPa resolution")
	assert.Equal(t, byte(0), rpm.Data[3])
	assert.Equal(t, byte(1), rpm.Data[4])

	temps := frames[1]
	assert.Equal(t, byte(60), temps.Data[0], "coolant 20C offset by 40")
	assert.Equal(t, byte(58), temps.Data[1])

	speed := frames[2]
	assert.Equal(t, uint16(885), uint16(speed.Data[0])|uint16(speed.Data[1])<<8)
	assert.Equal(t, byte(3), speed.Data[2])
	assert.Equal(t, byte(88), speed.Data[3])
	assert.Equal(t, byte(89), speed.Data[6])

	flags := frames[3]
	assert.Equal(t, byte(0b101), flags.Data[0], "ABS bit 0, cruise bit 2")

	fan := frames[5]
	assert.Equal(t, byte(2), fan.Data[0])
	assert.Equal(t, byte(0b1010), fan.Data[1], "heater bit 1, auto bit 3")

	info := frames[6]
	assert.Equal(t, uint32(1500),
		uint32(info.Data[0])|uint32(info.Data[1])<<8|uint32(info.Data[2])<<16|uint32(info.Data[3])<<24)
}

func TestEncodeClampsOutOfRangeValues(t *testing.T) {
	step := startupStep()
	step.Engine.CoolantTempC = 400
	step.Climate.OutsideTempC = -40
	step.Speed.SpeedKmh = 9000
	step.Speed.WheelSpeeds = [4]float64{300, 0, 0, 0}

	frames := Encode(step)

	assert.Equal(t, byte(255), frames[1].Data[0], "coolant clamps at encoded max")
	assert.Equal(t, byte(0), frames[4].Data[2], "outside -40C is the encoded floor")
	assert.Equal(t, uint16(65535), uint16(frames[2].Data[0])|uint16(frames[2].Data[1])<<8)
	assert.Equal(t, byte(255), frames[2].Data[3])
}

func TestDecodeRoundTrip(t *testing.T) {
	step := startupStep()
	decoded, err := Decode(Encode(step))
	require.NoError(t, err)

	assert.Equal(t, step.Engine, decoded.Engine)
	assert.Equal(t, step.Speed, decoded.Speed)
	assert.Equal(t, step.Climate, decoded.Climate)
	assert.Equal(t, step.DurationMs, decoded.DurationMs)

	// The name itself does not survive the wire, only its hash.
	assert.Equal(t, StepNameHash("Startup"), decoded.NameHash)
	assert.Equal(t, PlaceholderName(decoded.NameHash), decoded.StepName)
}

func TestDecodeFrameOrderIrrelevant(t *testing.T) {
	frames := Encode(startupStep())
	reversed := make([]Frame, len(frames))
	for i, f := range frames {
		reversed[len(frames)-1-i] = f
	}

	a, err := Decode(frames)
	require.NoError(t, err)
	b, err := Decode(reversed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeIncompleteBatch(t *testing.T) {
	frames := Encode(startupStep())

	_, err := Decode(frames[:6])
	require.Error(t, err)
	assert.ErrorIs(t, err, driveerrors.ErrIncompleteBatch)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, driveerrors.ErrIncompleteBatch)
}

func TestDecodeMalformedFrames(t *testing.T) {
	t.Run("unknown identifier", func(t *testing.T) {
		frames := Encode(startupStep())
		frames[0].ID = 0x500
		_, err := Decode(frames)
		assert.ErrorIs(t, err, driveerrors.ErrMalformedFrame)
	})

	t.Run("wrong dlc", func(t *testing.T) {
		frames := Encode(startupStep())
		frames[3].DLC = 8
		_, err := Decode(frames)
		assert.ErrorIs(t, err, driveerrors.ErrMalformedFrame)
	})
}

func TestDecodeDuplicateIdentifierLastWins(t *testing.T) {
	frames := Encode(startupStep())
	stale := frames[0]
	stale.Data[0] = 0xFF
	frames = append([]Frame{stale}, frames...)

	decoded, err := Decode(frames)
	require.NoError(t, err)
	assert.Equal(t, uint16(800), decoded.Engine.RPM)
}

func TestStepNameHash(t *testing.T) {
	assert.Equal(t, uint32(0), StepNameHash(""))
	assert.Equal(t, uint32('a'), StepNameHash("a"))
	assert.Equal(t, uint32('a'+'b'+'c'), StepNameHash("abc"))
	assert.Equal(t, StepNameHash("Startup"), StepNameHash("Startup"), "stable across calls")
}

func TestValidate(t *testing.T) {
	step := startupStep()
	require.NoError(t, step.Validate())

	step.StepName = "  "
	assert.Error(t, step.Validate())

	step = startupStep()
	step.Climate.TargetTempC = 300
	assert.Error(t, step.Validate())

	step = startupStep()
	step.Speed.SpeedKmh = -1
	assert.Error(t, step.Validate())
}

func TestBitHelpers(t *testing.T) {
	data := make([]byte, 4)
	SetBits(data, 4, 12, 0xABC)
	assert.Equal(t, uint64(0xABC), ExtractBits(data, 4, 12))
	assert.Equal(t, uint64(0xC), ExtractBits(data, 4, 4))

	// Out of range reads return zero.
	assert.Equal(t, uint64(0), ExtractBits(data, 40, 8))
	assert.Equal(t, uint64(0), ExtractBits(data, 0, 0))
}
