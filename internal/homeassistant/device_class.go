package homeassistant

import "encoding/json"

type DeviceClass int64

const (
	NoDeviceClass DeviceClass = iota
	ApparentPower
	Current
	Energy
	Frequency
	PowerFactor
	Power
	Voltage
)

func (s DeviceClass) String() string {
	switch s {
	case NoDeviceClass:
		return ""
	case ApparentPower:
		return "apparent_power"
	case Current:
		return "current"
	case Energy:
		return "energy"
	case Frequency:
		return "frequency"
	case PowerFactor:
		return "power_factor"
	case Power:
		return "power"
	case Voltage:
		return "voltage"
	}
	return "unknown"
}

func (s DeviceClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
