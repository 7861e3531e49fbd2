package sensor

import (
	"sort"

	ha "iotawatt2mqtt/internal/homeassistant"
	"iotawatt2mqtt/internal/iotawatt"
)

type fakeCoordinator struct {
	sensors   map[string]*iotawatt.Sensor
	success   bool
	listeners map[int]func()
	nextID    int
	reads     int
}

func newFakeCoordinator(sensors ...*iotawatt.Sensor) *fakeCoordinator {
	c := &fakeCoordinator{success: true, listeners: make(map[int]func())}
	c.set(sensors...)
	return c
}

func (c *fakeCoordinator) set(sensors ...*iotawatt.Sensor) {
	c.sensors = make(map[string]*iotawatt.Sensor, len(sensors))
	for _, s := range sensors {
		c.sensors[keyOf(s)] = s
	}
}

// update swaps the snapshot and notifies listeners like the real updater.
func (c *fakeCoordinator) update(sensors ...*iotawatt.Sensor) {
	c.set(sensors...)
	c.notify()
}

func (c *fakeCoordinator) updateKeyed(sensors map[string]*iotawatt.Sensor) {
	c.sensors = sensors
	c.notify()
}

func (c *fakeCoordinator) notify() {
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := c.listeners[id]; ok {
			fn()
		}
	}
}

func (c *fakeCoordinator) Sensors() map[string]*iotawatt.Sensor {
	c.reads++
	return c.sensors
}

func (c *fakeCoordinator) LastUpdateSuccess() bool {
	return c.success
}

func (c *fakeCoordinator) AddListener(fn func()) func() {
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() { delete(c.listeners, id) }
}

func keyOf(s *iotawatt.Sensor) string {
	return "key_" + s.Name
}

type fakeHost struct {
	entities []ha.SensorEntity
	events   []string
	addCalls int
	writes   []ha.SensorEntity

	// removed entities and any state requests they made afterwards
	removed   map[ha.SensorEntity]bool
	lateReads []string
}

func (h *fakeHost) markRemoved(e ha.SensorEntity) {
	if h.removed == nil {
		h.removed = make(map[ha.SensorEntity]bool)
	}
	h.removed[e] = true
}

func (h *fakeHost) AddEntities(entities ...ha.SensorEntity) {
	h.addCalls++
	for _, e := range entities {
		h.entities = append(h.entities, e)
		h.events = append(h.events, "add:"+e.Key())
		e.AddedToHost()
	}
}

func (h *fakeHost) RemoveFromRegistry(uniqueID string) {
	h.events = append(h.events, "registry_remove:"+uniqueID)
	for i, e := range h.entities {
		if e.UniqueID() == uniqueID {
			h.markRemoved(e)
			e.WillRemoveFromHost()
			h.entities = append(h.entities[:i], h.entities[i+1:]...)
			return
		}
	}
}

func (h *fakeHost) RemoveAsync(entity ha.SensorEntity) {
	h.events = append(h.events, "async_remove:"+entity.Key())
	for i, e := range h.entities {
		if e == entity {
			h.markRemoved(e)
			e.WillRemoveFromHost()
			h.entities = append(h.entities[:i], h.entities[i+1:]...)
			return
		}
	}
}

// WriteState renders the entity like the platform does. Rendering a removed
// entity is recorded in lateReads.
func (h *fakeHost) WriteState(entity ha.SensorEntity) {
	if h.removed[entity] {
		h.lateReads = append(h.lateReads, "write:"+entity.Key())
		return
	}
	entity.Name()
	entity.NativeValue()
	entity.LastReset()
	h.writes = append(h.writes, entity)
}

func (h *fakeHost) count(prefix string) int {
	n := 0
	for _, ev := range h.events {
		if len(ev) >= len(prefix) && ev[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
