package sensor

import (
	"sync"
	"time"

	ha "iotawatt2mqtt/internal/homeassistant"
	"iotawatt2mqtt/internal/iotawatt"

	"github.com/relvacode/iso8601"
	"github.com/sirupsen/logrus"
)

const (
	manufacturer = "IoTaWatt"
	model        = "IoTaWatt"

	// Begin timestamps at or before one day past the epoch are placeholders
	// from a device whose clock was never set.
	minResetTimestamp = 86400
)

type Coordinator interface {
	Sensors() map[string]*iotawatt.Sensor
	LastUpdateSuccess() bool
	AddListener(fn func()) func()
}

// Host is the entity side of the home automation platform.
type Host interface {
	AddEntities(entities ...ha.SensorEntity)
	RemoveFromRegistry(uniqueID string)
	RemoveAsync(entity ha.SensorEntity)
	WriteState(entity ha.SensorEntity)
}

// Entity exposes one IoTaWatt sensor channel. It reads its values from the
// coordinator's current snapshot on every access.
type Entity struct {
	coordinator Coordinator
	host        Host
	logger      *logrus.Logger
	release     func(key string)
	location    *time.Location

	key         string
	uniqueID    string
	description Description

	mutex       sync.Mutex
	lastReset   *time.Time
	unsubscribe func()
	removed     bool
}

func newEntity(coordinator Coordinator, host Host, logger *logrus.Logger, key string, description Description, release func(string), location *time.Location) *Entity {
	e := &Entity{
		coordinator: coordinator,
		host:        host,
		logger:      logger,
		release:     release,
		location:    location,
		key:         key,
		description: description,
	}
	if data := e.sensorData(); data != nil {
		e.uniqueID = data.SensorID
		e.lastReset = parseLastReset(data.Begin, location)
	}
	return e
}

func (e *Entity) sensorData() *iotawatt.Sensor {
	return e.coordinator.Sensors()[e.key]
}

func (e *Entity) Key() string {
	return e.key
}

func (e *Entity) UniqueID() string {
	return e.uniqueID
}

func (e *Entity) Description() Description {
	return e.description
}

func (e *Entity) Name() string {
	if data := e.sensorData(); data != nil {
		return data.Name
	}
	return e.key
}

func (e *Entity) DeviceInfo() ha.Device {
	device := ha.Device{
		Manufacturer: manufacturer,
		Model:        model,
	}
	if data := e.sensorData(); data != nil {
		device.Connections = [][]string{{ha.ConnectionMAC, data.HubMACAddress}}
	}
	return device
}

func (e *Entity) NativeUnit() ha.Unit {
	return e.description.NativeUnit
}

func (e *Entity) DeviceClass() ha.DeviceClass {
	return e.description.DeviceClass
}

func (e *Entity) StateClass() ha.StateClass {
	return e.description.StateClass
}

func (e *Entity) Icon() string {
	return e.description.Icon
}

func (e *Entity) EnabledByDefault() bool {
	return e.description.EnabledByDefault
}

func (e *Entity) Available() bool {
	return e.coordinator.LastUpdateSuccess()
}

// NativeValue returns the transformed reading, or false when the device had
// no data or the value lies outside the description's bounds.
func (e *Entity) NativeValue() (float64, bool) {
	data := e.sensorData()
	if data == nil || data.NoData {
		return 0, false
	}

	value := data.Value
	if fn := e.description.Value; fn != nil {
		value = fn(value)
	}

	if lower := e.description.MinValue; lower != nil && value < *lower {
		e.logger.WithFields(logrus.Fields{"sensor": data.Name, "value": value, "min": *lower}).
			Warnf("Value %v for %s is below the minimum limit. Marking as unavailable.", value, data.Name)
		return 0, false
	}
	if upper := e.description.MaxValue; upper != nil && value > *upper {
		e.logger.WithFields(logrus.Fields{"sensor": data.Name, "value": value, "max": *upper}).
			Warnf("Value %v for %s is above the maximum limit. Marking as unavailable.", value, data.Name)
		return 0, false
	}

	return value, true
}

func (e *Entity) ExtraStateAttributes() map[string]interface{} {
	data := e.sensorData()
	if data == nil {
		return nil
	}

	attrs := map[string]interface{}{"type": data.Type}
	if data.Type == iotawatt.TypeInput {
		attrs["channel"] = data.Channel
	}
	return attrs
}

func (e *Entity) LastReset() *time.Time {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.lastReset
}

func (e *Entity) AddedToHost() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.unsubscribe != nil || e.removed {
		return
	}
	e.unsubscribe = e.coordinator.AddListener(e.handleCoordinatorUpdate)
}

func (e *Entity) WillRemoveFromHost() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.detachLocked()
}

func (e *Entity) detachLocked() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Entity) handleCoordinatorUpdate() {
	data, present := e.coordinator.Sensors()[e.key]
	if !present {
		e.mutex.Lock()
		if e.removed {
			e.mutex.Unlock()
			return
		}
		e.removed = true
		e.detachLocked()
		e.mutex.Unlock()

		if e.release != nil {
			e.release(e.key)
		}
		if e.uniqueID != "" {
			e.host.RemoveFromRegistry(e.uniqueID)
		} else {
			e.host.RemoveAsync(e)
		}
		return
	}

	e.mutex.Lock()
	e.lastReset = parseLastReset(data.Begin, e.location)
	e.mutex.Unlock()

	e.host.WriteState(e)
}

// parseLastReset returns the accumulation start encoded in begin, or nil
// when begin is empty, unparseable or an epoch placeholder. The device
// reports its local time without an offset; loc is that zone.
func parseLastReset(begin string, loc *time.Location) *time.Time {
	if begin == "" {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := iso8601.ParseStringInLocation(begin, loc)
	if err != nil {
		return nil
	}
	if t.Unix() <= minResetTimestamp {
		return nil
	}
	return &t
}
