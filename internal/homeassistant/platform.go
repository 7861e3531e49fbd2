package homeassistant

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"iotawatt2mqtt/internal/config"
	"iotawatt2mqtt/internal/slug"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) error
}

type Broadcaster interface {
	Broadcast(event StateEvent)
}

type statePayload struct {
	Value     *float64 `json:"value"`
	LastReset *string  `json:"last_reset"`
}

// Platform announces sensor entities over MQTT discovery, publishes their
// state and keeps the unique id registry in sync.
type Platform struct {
	publisher       Publisher
	registry        *Registry
	logger          *logrus.Logger
	discoveryPrefix string
	baseTopic       string
	broadcaster     Broadcaster

	mutex     sync.Mutex
	entities  map[string]SensorEntity
	objectIDs map[SensorEntity]string
	uniqueIDs map[string]SensorEntity

	pending sync.WaitGroup
}

func NewPlatform(cfg *config.Config, publisher Publisher, registry *Registry, logger *logrus.Logger) *Platform {
	return &Platform{
		publisher:       publisher,
		registry:        registry,
		logger:          logger,
		discoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		baseTopic:       cfg.MQTT.BaseTopic,
		entities:        make(map[string]SensorEntity),
		objectIDs:       make(map[SensorEntity]string),
		uniqueIDs:       make(map[string]SensorEntity),
	}
}

func (p *Platform) SetBroadcaster(b Broadcaster) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.broadcaster = b
}

func (p *Platform) BridgeStatusTopic() string {
	return p.baseTopic + "/bridge/status"
}

func (p *Platform) configTopic(objectID string) string {
	return p.discoveryPrefix + "/sensor/" + objectID + "/config"
}

func (p *Platform) stateTopic(objectID string) string {
	return p.baseTopic + "/" + objectID + "/state"
}

func (p *Platform) attributesTopic(objectID string) string {
	return p.baseTopic + "/" + objectID + "/attributes"
}

func (p *Platform) availabilityTopic(objectID string) string {
	return p.baseTopic + "/" + objectID + "/availability"
}

// AddEntities announces entities and writes their first state. An entity
// whose unique id is already live is rejected.
func (p *Platform) AddEntities(entities ...SensorEntity) {
	if len(entities) == 0 {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	registryChanged := false
	for _, e := range entities {
		uniqueID := e.UniqueID()
		if uniqueID != "" {
			if _, exists := p.uniqueIDs[uniqueID]; exists {
				p.logger.Errorf("Platform does not generate unique IDs. ID %s already exists, ignoring %s", uniqueID, e.Name())
				continue
			}
		}

		objectID := p.allocateObjectID(e)
		p.entities[objectID] = e
		p.objectIDs[e] = objectID
		if uniqueID != "" {
			p.uniqueIDs[uniqueID] = e
			p.registry.Add(Entry{
				UniqueID:    uniqueID,
				ObjectID:    objectID,
				ConfigTopic: p.configTopic(objectID),
			})
			registryChanged = true
		}

		if err := p.publishConfig(objectID, e); err != nil {
			p.logger.Errorf("Failed to publish discovery config for %s: %v", objectID, err)
		}

		e.AddedToHost()
		p.writeState(objectID, e)
		p.logger.WithField("object_id", objectID).Infof("Added sensor %s", e.Name())
	}

	if registryChanged {
		p.saveRegistry()
	}
}

func (p *Platform) allocateObjectID(e SensorEntity) string {
	base := e.UniqueID()
	if base == "" {
		base = e.Key()
	}
	base = slug.Make(base)
	if base == "" {
		base = "sensor"
	}

	objectID := base
	for i := 2; ; i++ {
		if _, taken := p.entities[objectID]; !taken {
			return objectID
		}
		objectID = fmt.Sprintf("%s_%d", base, i)
	}
}

// RemoveFromRegistry deletes the registry entry of uniqueID and withdraws
// the live entity holding it, if any.
func (p *Platform) RemoveFromRegistry(uniqueID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	entry, registered := p.registry.Remove(uniqueID)
	if e, live := p.uniqueIDs[uniqueID]; live {
		p.removeLocked(e)
	} else if registered {
		p.clearTopics(entry.ObjectID, entry.ConfigTopic)
	}

	if registered {
		p.logger.Infof("Removed %s from entity registry", uniqueID)
		p.saveRegistry()
	}
}

// RemoveAsync withdraws the entity from a separate goroutine.
func (p *Platform) RemoveAsync(e SensorEntity) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()

		p.mutex.Lock()
		defer p.mutex.Unlock()
		p.removeLocked(e)
	}()
}

// Wait blocks until pending asynchronous removals are done.
func (p *Platform) Wait() {
	p.pending.Wait()
}

func (p *Platform) removeLocked(e SensorEntity) {
	objectID, live := p.objectIDs[e]
	if !live {
		return
	}

	delete(p.entities, objectID)
	delete(p.objectIDs, e)
	if uniqueID := e.UniqueID(); uniqueID != "" && p.uniqueIDs[uniqueID] == e {
		delete(p.uniqueIDs, uniqueID)
	}

	e.WillRemoveFromHost()
	p.clearTopics(objectID, p.configTopic(objectID))

	if p.broadcaster != nil {
		p.broadcaster.Broadcast(StateEvent{
			UniqueID:  e.UniqueID(),
			ObjectID:  objectID,
			Removed:   true,
			Timestamp: time.Now(),
		})
	}
	p.logger.WithField("object_id", objectID).Info("Removed sensor")
}

// clearTopics publishes empty retained payloads, which makes Home Assistant
// drop the entity and the broker forget its retained state.
func (p *Platform) clearTopics(objectID, configTopic string) {
	topics := []string{
		configTopic,
		p.stateTopic(objectID),
		p.attributesTopic(objectID),
		p.availabilityTopic(objectID),
	}
	for _, topic := range topics {
		if err := p.publisher.Publish(topic, 1, true, []byte{}); err != nil {
			p.logger.Errorf("Failed to clear %s: %v", topic, err)
		}
	}
}

func (p *Platform) WriteState(e SensorEntity) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	objectID, live := p.objectIDs[e]
	if !live {
		p.logger.Debugf("Ignoring state of sensor %s that is not on the platform", e.Name())
		return
	}
	p.writeState(objectID, e)
}

func (p *Platform) writeState(objectID string, e SensorEntity) {
	event := StateEvent{
		UniqueID:    e.UniqueID(),
		ObjectID:    objectID,
		Name:        e.Name(),
		Unit:        e.NativeUnit(),
		DeviceClass: e.DeviceClass(),
		Available:   e.Available(),
		Timestamp:   time.Now(),
	}

	availability := PayloadOffline
	if event.Available {
		availability = PayloadOnline
		if v, ok := e.NativeValue(); ok {
			event.State = &v
		}
		event.LastReset = e.LastReset()
		event.Attributes = e.ExtraStateAttributes()
	}

	if err := p.publisher.Publish(p.availabilityTopic(objectID), 1, true, availability); err != nil {
		p.logger.Errorf("Failed to publish availability for %s: %v", objectID, err)
	}

	if event.Available {
		state := statePayload{Value: event.State}
		if event.LastReset != nil {
			ts := event.LastReset.UTC().Format(time.RFC3339)
			state.LastReset = &ts
		}
		p.publishJSON(p.stateTopic(objectID), state)
		p.publishJSON(p.attributesTopic(objectID), event.Attributes)
	}

	if p.broadcaster != nil {
		p.broadcaster.Broadcast(event)
	}
}

func (p *Platform) publishJSON(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Errorf("Failed to encode payload for %s: %v", topic, err)
		return
	}
	if err := p.publisher.Publish(topic, 0, true, payload); err != nil {
		p.logger.Errorf("Failed to publish %s: %v", topic, err)
	}
}

func (p *Platform) publishConfig(objectID string, e SensorEntity) error {
	item := ConfigurationItem{
		DeviceClass:         e.DeviceClass(),
		UnitOfMeasurement:   e.NativeUnit(),
		Device:              e.DeviceInfo(),
		StateClass:          e.StateClass(),
		UniqueId:            e.UniqueID(),
		ObjectId:            objectID,
		Name:                e.Name(),
		Icon:                e.Icon(),
		EnabledByDefault:    e.EnabledByDefault(),
		StateTopic:          p.stateTopic(objectID),
		ValueTemplate:       "{{ value_json.value }}",
		JsonAttributesTopic: p.attributesTopic(objectID),
		Availability: []Availability{
			{Topic: p.BridgeStatusTopic()},
			{Topic: p.availabilityTopic(objectID)},
		},
		AvailabilityMode: "all",
	}
	if item.StateClass == StateClassTotal {
		item.LastResetValueTemplate = "{{ value_json.last_reset }}"
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode discovery config: %w", err)
	}
	return p.publisher.Publish(p.configTopic(objectID), 1, true, payload)
}

// PurgeOrphans removes registry entries left from a previous run whose
// sensor no longer exists.
func (p *Platform) PurgeOrphans() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	purged := 0
	for _, entry := range p.registry.Entries() {
		if _, live := p.uniqueIDs[entry.UniqueID]; live {
			continue
		}
		p.registry.Remove(entry.UniqueID)
		p.clearTopics(entry.ObjectID, entry.ConfigTopic)
		purged++
	}

	if purged > 0 {
		p.logger.Infof("Purged %d orphaned sensors from entity registry", purged)
		p.saveRegistry()
	}
}

// Republish sends every discovery config and state again, used when Home
// Assistant comes back online.
func (p *Platform) Republish() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	objectIDs := maps.Keys(p.entities)
	slices.Sort(objectIDs)
	for _, objectID := range objectIDs {
		e := p.entities[objectID]
		if err := p.publishConfig(objectID, e); err != nil {
			p.logger.Errorf("Failed to publish discovery config for %s: %v", objectID, err)
		}
		p.writeState(objectID, e)
	}
	p.logger.Infof("Republished %d sensors", len(objectIDs))
}

func (p *Platform) saveRegistry() {
	if err := p.registry.Save(); err != nil {
		p.logger.Errorf("Failed to save entity registry: %v", err)
	}
}
