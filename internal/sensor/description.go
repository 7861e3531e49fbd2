package sensor

import ha "iotawatt2mqtt/internal/homeassistant"

const (
	iconFlash = "mdi:flash"

	fallbackKey = "base_sensor"
)

// Description is the display metadata bound to a sensor from its raw unit.
type Description struct {
	Key              string
	NativeUnit       ha.Unit
	StateClass       ha.StateClass
	DeviceClass      ha.DeviceClass
	Icon             string
	EnabledByDefault bool

	// Value transforms the raw reading before bounds are checked.
	Value    func(float64) float64
	MinValue *float64
	MaxValue *float64
}

func bound(v float64) *float64 {
	return &v
}

var descriptions = map[string]Description{
	"Amps": {
		Key:         "Amps",
		NativeUnit:  ha.A,
		StateClass:  ha.StateClassMeasurement,
		DeviceClass: ha.Current,
		MinValue:    bound(-1000),
		MaxValue:    bound(1000),
	},
	"Hz": {
		Key:         "Hz",
		NativeUnit:  ha.Hz,
		StateClass:  ha.StateClassMeasurement,
		DeviceClass: ha.Frequency,
		Icon:        iconFlash,
		MinValue:    bound(0),
		MaxValue:    bound(1000),
	},
	"PF": {
		Key:         "PF",
		NativeUnit:  ha.Percent,
		StateClass:  ha.StateClassMeasurement,
		DeviceClass: ha.PowerFactor,
		Value:       func(v float64) float64 { return v * 100 },
		MinValue:    bound(0),
		MaxValue:    bound(100),
	},
	"Watts": {
		Key:              "Watts",
		NativeUnit:       ha.W,
		StateClass:       ha.StateClassMeasurement,
		DeviceClass:      ha.Power,
		EnabledByDefault: true,
		MinValue:         bound(-100000),
		MaxValue:         bound(100000),
	},
	"WattHours": {
		Key:              "WattHours",
		NativeUnit:       ha.Wh,
		StateClass:       ha.StateClassTotal,
		DeviceClass:      ha.Energy,
		EnabledByDefault: true,
		MinValue:         bound(-1000000),
		MaxValue:         bound(1000000),
	},
	"VA": {
		Key:         "VA",
		NativeUnit:  ha.VA,
		StateClass:  ha.StateClassMeasurement,
		DeviceClass: ha.ApparentPower,
		MinValue:    bound(-100000),
		MaxValue:    bound(100000),
	},
	"VAR": {
		Key:        "VAR",
		NativeUnit: ha.VAR,
		StateClass: ha.StateClassMeasurement,
		Icon:       iconFlash,
		MinValue:   bound(-100000),
		MaxValue:   bound(100000),
	},
	"VARh": {
		Key:        "VARh",
		NativeUnit: ha.VARh,
		StateClass: ha.StateClassMeasurement,
		Icon:       iconFlash,
		MinValue:   bound(-1000000),
		MaxValue:   bound(1000000),
	},
	"Volts": {
		Key:         "Volts",
		NativeUnit:  ha.V,
		StateClass:  ha.StateClassMeasurement,
		DeviceClass: ha.Voltage,
		MinValue:    bound(0),
		MaxValue:    bound(1000),
	},
}

// LookupDescription returns the description for a raw unit string. The match
// is exact; unknown units get a bare description with no unit, class, bounds
// or transform.
func LookupDescription(unit string) Description {
	if d, ok := descriptions[unit]; ok {
		return d
	}
	return Description{Key: fallbackKey, EnabledByDefault: true}
}
