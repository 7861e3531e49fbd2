package homeassistant

const (
	ConnectionMAC = "mac"

	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

type Device struct {
	Connections  [][]string `json:"connections,omitempty"`
	Identifiers  []string   `json:"identifiers,omitempty"`
	Name         string     `json:"name,omitempty"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
}

type Availability struct {
	Topic string `json:"topic"`
}

// ConfigurationItem is the MQTT discovery payload of one sensor entity.
type ConfigurationItem struct {
	DeviceClass            DeviceClass    `json:"device_class,omitempty"`
	UnitOfMeasurement      Unit           `json:"unit_of_measurement,omitempty"`
	Device                 Device         `json:"device"`
	StateClass             StateClass     `json:"state_class,omitempty"`
	UniqueId               string         `json:"unique_id,omitempty"`
	ObjectId               string         `json:"object_id"`
	Name                   string         `json:"name"`
	Icon                   string         `json:"icon,omitempty"`
	EnabledByDefault       bool           `json:"enabled_by_default"`
	StateTopic             string         `json:"state_topic"`
	ValueTemplate          string         `json:"value_template"`
	LastResetValueTemplate string         `json:"last_reset_value_template,omitempty"`
	JsonAttributesTopic    string         `json:"json_attributes_topic"`
	Availability           []Availability `json:"availability"`
	AvailabilityMode       string         `json:"availability_mode"`
}
