package iotawatt

import "time"

const (
	TypeInput  = "Input"
	TypeOutput = "Output"
)

// Sensor is one channel reading from a poll. A snapshot is replaced as a whole
// on every refresh; entries are never modified after the fetch that built them.
// NoData is set when the device had no data for the series; Value is then 0
// and must not be reported.
type Sensor struct {
	SensorID      string
	Name          string
	Unit          string
	Value         float64
	NoData        bool
	Channel       int
	Type          string
	Begin         string
	HubMACAddress string
}

type Snapshot struct {
	Sensors   map[string]*Sensor
	FetchedAt time.Time
}

func NewSnapshot(sensors map[string]*Sensor) *Snapshot {
	if sensors == nil {
		sensors = make(map[string]*Sensor)
	}
	return &Snapshot{
		Sensors:   sensors,
		FetchedAt: time.Now(),
	}
}
