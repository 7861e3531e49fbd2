package sensor

import (
	"sync"
	"time"

	ha "iotawatt2mqtt/internal/homeassistant"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Factory creates one Entity per sensor key of a coordinator and keeps
// creating entities as new keys show up.
type Factory struct {
	coordinator Coordinator
	host        Host
	logger      *logrus.Logger
	location    *time.Location

	mutex       sync.Mutex
	created     map[string]struct{}
	unsubscribe func()
}

func NewFactory(coordinator Coordinator, host Host, logger *logrus.Logger) *Factory {
	return &Factory{
		coordinator: coordinator,
		host:        host,
		logger:      logger,
		location:    time.Local,
		created:     make(map[string]struct{}),
	}
}

// SetLocation sets the zone of the device clock used to read accumulation
// begin timestamps. It must be called before Setup.
func (f *Factory) SetLocation(loc *time.Location) {
	f.location = loc
}

// Setup adds an entity for every sensor currently known and listens for new
// ones.
func (f *Factory) Setup() {
	f.addNew()
	f.unsubscribe = f.coordinator.AddListener(f.newDataReceived)
}

func (f *Factory) Close() {
	if f.unsubscribe != nil {
		f.unsubscribe()
		f.unsubscribe = nil
	}
}

func (f *Factory) newDataReceived() {
	f.addNew()
}

func (f *Factory) addNew() {
	entities := f.createMissing()
	if len(entities) == 0 {
		return
	}

	f.logger.Infof("Adding %d new sensors", len(entities))
	added := make([]ha.SensorEntity, 0, len(entities))
	for _, e := range entities {
		added = append(added, e)
	}
	f.host.AddEntities(added...)
}

// createMissing records and builds entities for keys not seen before. Keys
// are marked as created before the host sees the entities.
func (f *Factory) createMissing() []*Entity {
	sensors := f.coordinator.Sensors()
	keys := maps.Keys(sensors)
	slices.Sort(keys)

	f.mutex.Lock()
	defer f.mutex.Unlock()

	var entities []*Entity
	for _, key := range keys {
		if _, ok := f.created[key]; ok {
			continue
		}
		f.created[key] = struct{}{}

		description := LookupDescription(sensors[key].Unit)
		entities = append(entities, newEntity(f.coordinator, f.host, f.logger, key, description, f.release, f.location))
	}
	return entities
}

func (f *Factory) release(key string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.created, key)
}

// Created reports whether an entity currently exists for key.
func (f *Factory) Created(key string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	_, ok := f.created[key]
	return ok
}
