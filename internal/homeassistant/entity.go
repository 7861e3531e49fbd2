package homeassistant

import "time"

// SensorEntity is what the platform needs from a sensor to announce it and
// render its state.
type SensorEntity interface {
	UniqueID() string
	Key() string
	Name() string
	DeviceInfo() Device

	NativeUnit() Unit
	DeviceClass() DeviceClass
	StateClass() StateClass
	Icon() string
	EnabledByDefault() bool

	NativeValue() (float64, bool)
	LastReset() *time.Time
	ExtraStateAttributes() map[string]interface{}
	Available() bool

	// AddedToHost is called once the entity is announced.
	AddedToHost()
	// WillRemoveFromHost is called when the entity is withdrawn.
	WillRemoveFromHost()
}

// StateEvent is one rendered entity state.
type StateEvent struct {
	UniqueID    string                 `json:"unique_id,omitempty"`
	ObjectID    string                 `json:"object_id"`
	Name        string                 `json:"name"`
	State       *float64               `json:"state"`
	Unit        Unit                   `json:"unit,omitempty"`
	DeviceClass DeviceClass            `json:"device_class,omitempty"`
	LastReset   *time.Time             `json:"last_reset,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	Available   bool                   `json:"available"`
	Removed     bool                   `json:"removed,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}
