package homeassistant

import (
	"sync"
	"time"

	"iotawatt2mqtt/internal/config"

	"github.com/sirupsen/logrus/hooks/test"
)

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

type fakePublisher struct {
	mutex    sync.Mutex
	messages []message
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	m := message{topic: topic, qos: qos, retained: retained}
	switch v := payload.(type) {
	case string:
		m.payload = v
	case []byte:
		m.payload = string(v)
	}
	p.messages = append(p.messages, m)
	return nil
}

// last returns the most recent message on topic.
func (p *fakePublisher) last(topic string) (message, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		if p.messages[i].topic == topic {
			return p.messages[i], true
		}
	}
	return message{}, false
}

func (p *fakePublisher) reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.messages = nil
}

type fakeBroadcaster struct {
	mutex  sync.Mutex
	events []StateEvent
}

func (b *fakeBroadcaster) Broadcast(event StateEvent) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.events = append(b.events, event)
}

type fakeEntity struct {
	uniqueID   string
	key        string
	name       string
	unit       Unit
	class      DeviceClass
	stateClass StateClass
	value      float64
	valid      bool
	lastReset  *time.Time
	available  bool

	added   int
	removed int
}

func newFakeEntity(uniqueID, name string, value float64) *fakeEntity {
	return &fakeEntity{
		uniqueID:   uniqueID,
		key:        "key_" + name,
		name:       name,
		unit:       W,
		class:      Power,
		stateClass: StateClassMeasurement,
		value:      value,
		valid:      true,
		available:  true,
	}
}

func (e *fakeEntity) UniqueID() string { return e.uniqueID }
func (e *fakeEntity) Key() string      { return e.key }
func (e *fakeEntity) Name() string     { return e.name }
func (e *fakeEntity) DeviceInfo() Device {
	return Device{Connections: [][]string{{ConnectionMAC, "A0:20:A6:00:11:22"}}, Manufacturer: "IoTaWatt", Model: "IoTaWatt"}
}
func (e *fakeEntity) NativeUnit() Unit                             { return e.unit }
func (e *fakeEntity) DeviceClass() DeviceClass                     { return e.class }
func (e *fakeEntity) StateClass() StateClass                       { return e.stateClass }
func (e *fakeEntity) Icon() string                                 { return "" }
func (e *fakeEntity) EnabledByDefault() bool                       { return true }
func (e *fakeEntity) NativeValue() (float64, bool)                 { return e.value, e.valid }
func (e *fakeEntity) LastReset() *time.Time                        { return e.lastReset }
func (e *fakeEntity) ExtraStateAttributes() map[string]interface{} { return map[string]interface{}{"type": "Input", "channel": 1} }
func (e *fakeEntity) Available() bool                              { return e.available }
func (e *fakeEntity) AddedToHost()                                 { e.added++ }
func (e *fakeEntity) WillRemoveFromHost()                          { e.removed++ }

func testConfig() *config.Config {
	return &config.Config{
		MQTT: config.MQTTConfig{DiscoveryPrefix: "homeassistant", BaseTopic: "iotawatt"},
	}
}

func newTestPlatform(registry *Registry) (*Platform, *fakePublisher) {
	logger, _ := test.NewNullLogger()
	publisher := &fakePublisher{}
	if registry == nil {
		registry = NewRegistry("")
	}
	return NewPlatform(testConfig(), publisher, registry, logger), publisher
}
