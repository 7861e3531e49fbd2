package homeassistant

import "encoding/json"

type Unit int64

const (
	None Unit = iota
	W
	Wh
	V
	A
	VA
	VAR
	VARh
	Hz
	Percent
)

func (s Unit) String() string {
	switch s {
	case None:
		return ""
	case W:
		return "W"
	case Wh:
		return "Wh"
	case V:
		return "V"
	case A:
		return "A"
	case VA:
		return "VA"
	case VAR:
		return "var"
	case VARh:
		return "varh"
	case Hz:
		return "Hz"
	case Percent:
		return "%"
	}
	return "unknown"
}

func (s Unit) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
