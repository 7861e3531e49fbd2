package homeassistant

type StateClass string

const (
	// StateClassMeasurement is a value in present time, such as current power.
	StateClassMeasurement StateClass = "measurement"

	// StateClassTotal is an amount that can both increase and decrease and is
	// accumulated since the last reset, such as a net energy meter.
	StateClassTotal StateClass = "total"
)
