package canbus

import (
	"fmt"
	"strings"

	"github.com/c360/drivebus/errors"
)

// DrivingStep is one named snapshot of vehicle state. It is the unit of
// ingestion: every step becomes exactly one frame batch in the store and one
// routing token on the broker.
type DrivingStep struct {
	StepName   string  `json:"step_name"`
	DurationMs uint32  `json:"duration_ms"`
	Engine     Engine  `json:"engine"`
	Speed      Speed   `json:"speed"`
	Climate    Climate `json:"climate"`

	// NameHash is populated on decode. The wire format carries only the
	// hash of the step name, so a decoded step cannot recover the text
	// unless a routing token supplies it.
	NameHash uint32 `json:"name_hash,omitempty"`
}

// Engine holds powertrain state.
type Engine struct {
	RPM             uint16 `json:"rpm"`
	CoolantTempC    int16  `json:"coolant_temp_c"`
	IntakeTempC     int16  `json:"intake_temp_c"`
	ThrottlePercent uint8  `json:"throttle_percent"`
	EngineLoad      uint8  `json:"engine_load"`
	FuelPressureKPa uint16 `json:"fuel_pressure_kpa"`
	Running         bool   `json:"running"`
}

// Speed holds vehicle and wheel speed state plus driver-assist flags.
type Speed struct {
	SpeedKmh        float64    `json:"speed_kmh"`
	WheelSpeeds     [4]float64 `json:"wheel_speeds"`
	Gear            uint8      `json:"gear"`
	ABSActive       bool       `json:"abs_active"`
	TractionControl bool       `json:"traction_control"`
	CruiseControl   bool       `json:"cruise_control"`
}

// Climate holds HVAC state.
type Climate struct {
	CabinTempC    int16 `json:"cabin_temp_c"`
	TargetTempC   int16 `json:"target_temp_c"`
	OutsideTempC  int16 `json:"outside_temp_c"`
	FanSpeed      uint8 `json:"fan_speed"`
	ACOn          bool  `json:"ac_on"`
	HeaterOn      bool  `json:"heater_on"`
	DefrostOn     bool  `json:"defrost_on"`
	AutoMode      bool  `json:"auto_mode"`
	Recirculation bool  `json:"recirculation"`
}

// Validate checks a step before ingestion. Temperatures must fit the
// offset-encoded byte range and the step must carry a non-blank name.
func (s *DrivingStep) Validate() error {
	if strings.TrimSpace(s.StepName) == "" {
		return errors.WrapInvalid(errors.New("step_name must not be empty"), "canbus", "Validate", "check step name")
	}
	for _, t := range []struct {
		name  string
		value int16
	}{
		{"engine.coolant_temp_c", s.Engine.CoolantTempC},
		{"engine.intake_temp_c", s.Engine.IntakeTempC},
		{"climate.cabin_temp_c", s.Climate.CabinTempC},
		{"climate.target_temp_c", s.Climate.TargetTempC},
		{"climate.outside_temp_c", s.Climate.OutsideTempC},
	} {
		if t.value < minTempC || t.value > maxTempC {
			return errors.WrapInvalid(
				fmt.Errorf("%s %d out of range [%d, %d]", t.name, t.value, minTempC, maxTempC),
				"canbus", "Validate", "check temperatures")
		}
	}
	if s.Speed.SpeedKmh < 0 {
		return errors.WrapInvalid(errors.New("speed.speed_kmh must not be negative"),
			"canbus", "Validate", "check speeds")
	}
	for i, w := range s.Speed.WheelSpeeds {
		if w < 0 {
			return errors.WrapInvalid(
				fmt.Errorf("speed.wheel_speeds[%d] must not be negative", i),
				"canbus", "Validate", "check speeds")
		}
	}
	return nil
}

// StepNameHash is the wire hash of a step name: the wrapping sum of the
// byte values of the UTF-8 encoding. It is stable across restarts and is the
// only identity a reconstructed step has when no routing token is available.
func StepNameHash(name string) uint32 {
	var h uint32
	for _, b := range []byte(name) {
		h += uint32(b)
	}
	return h
}

// PlaceholderName renders the display name used for a decoded step whose
// original name is unknown.
func PlaceholderName(hash uint32) string {
	return fmt.Sprintf("step-%08x", hash)
}
