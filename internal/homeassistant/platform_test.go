package homeassistant

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gridUID      = "a0_20_a6_00_11_22_input_grid_watts"
	gridConfig   = "homeassistant/sensor/" + gridUID + "/config"
	gridState    = "iotawatt/" + gridUID + "/state"
	gridAttrs    = "iotawatt/" + gridUID + "/attributes"
	gridAvailDir = "iotawatt/" + gridUID + "/availability"
)

func TestPlatform_AddEntitiesPublishesDiscovery(t *testing.T) {
	platform, publisher := newTestPlatform(nil)
	e := newFakeEntity(gridUID, "Grid", 1500)

	platform.AddEntities(e)

	assert.Equal(t, 1, e.added)

	m, ok := publisher.last(gridConfig)
	require.True(t, ok)
	assert.True(t, m.retained)

	var item map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(m.payload), &item))
	assert.Equal(t, gridUID, item["unique_id"])
	assert.Equal(t, gridUID, item["object_id"])
	assert.Equal(t, "Grid", item["name"])
	assert.Equal(t, "W", item["unit_of_measurement"])
	assert.Equal(t, "power", item["device_class"])
	assert.Equal(t, "measurement", item["state_class"])
	assert.Equal(t, gridState, item["state_topic"])
	assert.Equal(t, gridAttrs, item["json_attributes_topic"])
	assert.Equal(t, "{{ value_json.value }}", item["value_template"])
	assert.Equal(t, "all", item["availability_mode"])
	assert.NotContains(t, item, "last_reset_value_template")
	assert.Equal(t, []interface{}{
		map[string]interface{}{"topic": "iotawatt/bridge/status"},
		map[string]interface{}{"topic": gridAvailDir},
	}, item["availability"])

	device, ok := item["device"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{[]interface{}{"mac", "A0:20:A6:00:11:22"}}, device["connections"])
}

func TestPlatform_TotalSensorGetsLastResetTemplate(t *testing.T) {
	platform, publisher := newTestPlatform(nil)
	e := newFakeEntity("energy", "Energy", 10)
	e.stateClass = StateClassTotal
	reset := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	e.lastReset = &reset

	platform.AddEntities(e)

	m, ok := publisher.last("homeassistant/sensor/energy/config")
	require.True(t, ok)
	assert.Contains(t, m.payload, `"last_reset_value_template":"{{ value_json.last_reset }}"`)

	state, ok := publisher.last("iotawatt/energy/state")
	require.True(t, ok)
	assert.JSONEq(t, `{"value":10,"last_reset":"2024-03-01T11:00:00Z"}`, state.payload)
}

func TestPlatform_WriteState(t *testing.T) {
	platform, publisher := newTestPlatform(nil)
	e := newFakeEntity(gridUID, "Grid", 1500)
	platform.AddEntities(e)
	publisher.reset()

	e.value = 1600
	platform.WriteState(e)

	avail, ok := publisher.last(gridAvailDir)
	require.True(t, ok)
	assert.Equal(t, "online", avail.payload)
	assert.True(t, avail.retained)

	state, ok := publisher.last(gridState)
	require.True(t, ok)
	assert.JSONEq(t, `{"value":1600,"last_reset":null}`, state.payload)

	attrs, ok := publisher.last(gridAttrs)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"Input","channel":1}`, attrs.payload)
}

func TestPlatform_WriteStateOutOfRange(t *testing.T) {
	platform, publisher := newTestPlatform(nil)
	e := newFakeEntity(gridUID, "Grid", 1500)
	e.valid = false

	platform.AddEntities(e)

	state, ok := publisher.last(gridState)
	require.True(t, ok)
	assert.JSONEq(t, `{"value":null,"last_reset":null}`, state.payload)
}

func TestPlatform_WriteStateUnavailable(t *testing.T) {
	platform, publisher := newTestPlatform(nil)
	e := newFakeEntity(gridUID, "Grid", 1500)
	platform.AddEntities(e)
	publisher.reset()

	e.available = false
	platform.WriteState(e)

	avail, ok := publisher.last(gridAvailDir)
	require.True(t, ok)
	assert.Equal(t, "offline", avail.payload)
	_, ok = publisher.last(gridState)
	assert.False(t, ok)
}

func TestPlatform_WriteStateIgnoresUnknownEntity(t *testing.T) {
	platform, publisher := newTestPlatform(nil)

	platform.WriteState(newFakeEntity(gridUID, "Grid", 1))

	assert.Empty(t, publisher.messages)
}

func TestPlatform_DuplicateUniqueIDRejected(t *testing.T) {
	platform, _ := newTestPlatform(nil)
	first := newFakeEntity(gridUID, "Grid", 1)
	second := newFakeEntity(gridUID, "Grid copy", 2)

	platform.AddEntities(first, second)

	assert.Equal(t, 1, first.added)
	assert.Equal(t, 0, second.added)
	assert.Len(t, platform.entities, 1)
}

func TestPlatform_ObjectIDCollision(t *testing.T) {
	platform, publisher := newTestPlatform(nil)
	first := newFakeEntity("", "grid", 1)
	second := newFakeEntity("", "grid", 2)

	platform.AddEntities(first, second)

	_, ok := publisher.last("homeassistant/sensor/key_grid/config")
	assert.True(t, ok)
	_, ok = publisher.last("homeassistant/sensor/key_grid_2/config")
	assert.True(t, ok)
	assert.Empty(t, platform.registry.Entries())
}

func TestPlatform_RemoveFromRegistry(t *testing.T) {
	platform, publisher := newTestPlatform(nil)
	broadcaster := &fakeBroadcaster{}
	platform.SetBroadcaster(broadcaster)
	e := newFakeEntity(gridUID, "Grid", 1500)
	platform.AddEntities(e)
	publisher.reset()

	platform.RemoveFromRegistry(gridUID)

	assert.Equal(t, 1, e.removed)
	for _, topic := range []string{gridConfig, gridState, gridAttrs, gridAvailDir} {
		m, ok := publisher.last(topic)
		require.True(t, ok, topic)
		assert.Empty(t, m.payload, topic)
		assert.True(t, m.retained, topic)
	}
	_, registered := platform.registry.Get(gridUID)
	assert.False(t, registered)

	last := broadcaster.events[len(broadcaster.events)-1]
	assert.True(t, last.Removed)
	assert.Equal(t, gridUID, last.ObjectID)

	// the unique id is free again
	again := newFakeEntity(gridUID, "Grid", 1)
	platform.AddEntities(again)
	assert.Equal(t, 1, again.added)
}

func TestPlatform_RemoveAsync(t *testing.T) {
	platform, publisher := newTestPlatform(nil)
	e := newFakeEntity("", "grid", 1)
	platform.AddEntities(e)
	publisher.reset()

	platform.RemoveAsync(e)
	platform.Wait()

	assert.Equal(t, 1, e.removed)
	m, ok := publisher.last("homeassistant/sensor/key_grid/config")
	require.True(t, ok)
	assert.Empty(t, m.payload)
	assert.Empty(t, platform.entities)
}

func TestPlatform_PurgeOrphans(t *testing.T) {
	registry := NewRegistry("")
	registry.Add(Entry{UniqueID: "stale", ObjectID: "stale", ConfigTopic: "homeassistant/sensor/stale/config"})
	platform, publisher := newTestPlatform(registry)
	platform.AddEntities(newFakeEntity(gridUID, "Grid", 1))
	publisher.reset()

	platform.PurgeOrphans()

	m, ok := publisher.last("homeassistant/sensor/stale/config")
	require.True(t, ok)
	assert.Empty(t, m.payload)
	_, ok = publisher.last(gridConfig)
	assert.False(t, ok)

	entries := registry.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, gridUID, entries[0].UniqueID)
}

func TestPlatform_Republish(t *testing.T) {
	platform, publisher := newTestPlatform(nil)
	platform.AddEntities(newFakeEntity("b", "B", 1), newFakeEntity("a", "A", 2))
	publisher.reset()

	platform.Republish()

	var configs []string
	for _, m := range publisher.messages {
		if filepath.Base(m.topic) == "config" {
			configs = append(configs, m.topic)
		}
	}
	assert.Equal(t, []string{"homeassistant/sensor/a/config", "homeassistant/sensor/b/config"}, configs)
}

func TestPlatform_Broadcast(t *testing.T) {
	platform, _ := newTestPlatform(nil)
	broadcaster := &fakeBroadcaster{}
	platform.SetBroadcaster(broadcaster)

	platform.AddEntities(newFakeEntity(gridUID, "Grid", 1500))

	require.Len(t, broadcaster.events, 1)
	event := broadcaster.events[0]
	assert.Equal(t, gridUID, event.UniqueID)
	assert.Equal(t, "Grid", event.Name)
	require.NotNil(t, event.State)
	assert.Equal(t, 1500.0, *event.State)
	assert.True(t, event.Available)
}

func TestPlatform_RegistryPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	platform, _ := newTestPlatform(NewRegistry(path))

	platform.AddEntities(newFakeEntity(gridUID, "Grid", 1))

	reloaded := NewRegistry(path)
	require.NoError(t, reloaded.Load())
	entry, ok := reloaded.Get(gridUID)
	require.True(t, ok)
	assert.Equal(t, gridConfig, entry.ConfigTopic)
}
