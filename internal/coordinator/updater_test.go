package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"iotawatt2mqtt/internal/iotawatt"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mutex   sync.Mutex
	results []map[string]*iotawatt.Sensor
	errs    []error
	calls   int
}

func (f *fakeFetcher) FetchSensors(ctx context.Context) (map[string]*iotawatt.Sensor, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return f.results[len(f.results)-1], nil
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func sensors(keys ...string) map[string]*iotawatt.Sensor {
	m := make(map[string]*iotawatt.Sensor, len(keys))
	for _, k := range keys {
		m[k] = &iotawatt.Sensor{SensorID: k, Name: k, Unit: "Watts"}
	}
	return m
}

func TestUpdater_InitialState(t *testing.T) {
	updater := NewUpdater(&fakeFetcher{}, time.Second, 0, newTestLogger())

	assert.Empty(t, updater.Sensors())
	assert.False(t, updater.LastUpdateSuccess())
}

func TestUpdater_RefreshSwapsSnapshotAndNotifies(t *testing.T) {
	fetcher := &fakeFetcher{results: []map[string]*iotawatt.Sensor{sensors("a"), sensors("a", "b")}}
	updater := NewUpdater(fetcher, time.Second, 0, newTestLogger())

	var seen []int
	updater.AddListener(func() {
		seen = append(seen, len(updater.Sensors()))
	})

	require.NoError(t, updater.Refresh(context.Background()))
	first := updater.Snapshot()
	require.NoError(t, updater.Refresh(context.Background()))

	assert.Equal(t, []int{1, 2}, seen)
	assert.True(t, updater.LastUpdateSuccess())
	assert.NotSame(t, first, updater.Snapshot())
	assert.Len(t, first.Sensors, 1)
}

func TestUpdater_FailureKeepsSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{
		results: []map[string]*iotawatt.Sensor{sensors("a"), nil},
		errs:    []error{nil, errors.New("connection refused")},
	}
	updater := NewUpdater(fetcher, time.Second, 0, newTestLogger())

	notified := 0
	updater.AddListener(func() { notified++ })

	require.NoError(t, updater.Refresh(context.Background()))
	err := updater.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	assert.False(t, updater.LastUpdateSuccess())
	assert.Contains(t, updater.Sensors(), "a")
	assert.Equal(t, 2, notified)
}

func TestUpdater_RetriesBeforeFailing(t *testing.T) {
	fetcher := &fakeFetcher{
		results: []map[string]*iotawatt.Sensor{nil, sensors("a")},
		errs:    []error{errors.New("timeout")},
	}
	updater := NewUpdater(fetcher, time.Second, 2, newTestLogger())

	require.NoError(t, updater.Refresh(context.Background()))
	assert.Equal(t, 2, fetcher.calls)
	assert.Contains(t, updater.Sensors(), "a")
}

func TestUpdater_ListenersRunInRegistrationOrder(t *testing.T) {
	updater := NewUpdater(&fakeFetcher{results: []map[string]*iotawatt.Sensor{sensors("a")}}, time.Second, 0, newTestLogger())

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		updater.AddListener(func() { order = append(order, name) })
	}

	require.NoError(t, updater.Refresh(context.Background()))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestUpdater_ListenerChangesDuringNotification(t *testing.T) {
	updater := NewUpdater(&fakeFetcher{results: []map[string]*iotawatt.Sensor{sensors("a")}}, time.Second, 0, newTestLogger())

	lateCalls := 0
	removedCalls := 0
	var removeSecond func()

	updater.AddListener(func() {
		removeSecond()
		updater.AddListener(func() { lateCalls++ })
	})
	removeSecond = updater.AddListener(func() { removedCalls++ })

	require.NoError(t, updater.Refresh(context.Background()))
	assert.Equal(t, 0, removedCalls)
	assert.Equal(t, 0, lateCalls)

	require.NoError(t, updater.Refresh(context.Background()))
	assert.Equal(t, 0, removedCalls)
	assert.Equal(t, 1, lateCalls)
}

func TestUpdater_StartStopsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{results: []map[string]*iotawatt.Sensor{sensors("a")}}
	updater := NewUpdater(fetcher, 10*time.Millisecond, 0, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		updater.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, updater.LastUpdateSuccess, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("updater did not stop")
	}
}
