package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"iotawatt2mqtt/internal/iotawatt"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

type Fetcher interface {
	FetchSensors(ctx context.Context) (map[string]*iotawatt.Sensor, error)
}

// Updater polls a Fetcher, keeps the latest snapshot and notifies listeners
// after every refresh attempt. Notifications are delivered one at a time from
// the refreshing goroutine.
type Updater struct {
	fetcher  Fetcher
	logger   *logrus.Logger
	interval time.Duration
	retries  uint64

	snapshot    atomic.Pointer[iotawatt.Snapshot]
	lastSuccess atomic.Bool

	refreshMutex sync.Mutex

	listenerMutex  sync.Mutex
	listeners      map[int]func()
	nextListenerID int
}

func NewUpdater(fetcher Fetcher, interval time.Duration, retries uint64, logger *logrus.Logger) *Updater {
	u := &Updater{
		fetcher:   fetcher,
		logger:    logger,
		interval:  interval,
		retries:   retries,
		listeners: make(map[int]func()),
	}
	u.snapshot.Store(iotawatt.NewSnapshot(nil))
	return u
}

func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.logger.Infof("Starting updater, polling every %s", u.interval)

	for {
		select {
		case <-ctx.Done():
			u.logger.Info("Stopping updater")
			return
		case <-ticker.C:
			if err := u.Refresh(ctx); err != nil && ctx.Err() == nil {
				u.logger.Errorf("Failed to refresh sensors: %v", err)
			}
		}
	}
}

// Refresh fetches a new snapshot, retrying with exponential backoff. On
// failure the previous snapshot is kept. Listeners are notified either way.
func (u *Updater) Refresh(ctx context.Context) error {
	u.refreshMutex.Lock()
	defer u.refreshMutex.Unlock()

	var sensors map[string]*iotawatt.Sensor
	operation := func() error {
		var err error
		sensors, err = u.fetcher.FetchSensors(ctx)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), u.retries), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		u.logger.Warnf("Fetching sensors failed, retrying in %s: %v", wait.Round(time.Millisecond), err)
	})

	if err != nil {
		u.lastSuccess.Store(false)
		u.notify()
		return fmt.Errorf("failed to fetch sensors: %w", err)
	}

	u.snapshot.Store(iotawatt.NewSnapshot(sensors))
	u.lastSuccess.Store(true)
	u.logger.Debugf("Refreshed %d sensors", len(sensors))

	u.notify()
	return nil
}

func (u *Updater) notify() {
	u.listenerMutex.Lock()
	ids := make([]int, 0, len(u.listeners))
	for id := range u.listeners {
		ids = append(ids, id)
	}
	u.listenerMutex.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		u.listenerMutex.Lock()
		fn, ok := u.listeners[id]
		u.listenerMutex.Unlock()
		if ok {
			fn()
		}
	}
}

// AddListener registers fn to run after every refresh. The returned function
// removes it.
func (u *Updater) AddListener(fn func()) func() {
	u.listenerMutex.Lock()
	defer u.listenerMutex.Unlock()

	id := u.nextListenerID
	u.nextListenerID++
	u.listeners[id] = fn

	return func() {
		u.listenerMutex.Lock()
		defer u.listenerMutex.Unlock()
		delete(u.listeners, id)
	}
}

func (u *Updater) Snapshot() *iotawatt.Snapshot {
	return u.snapshot.Load()
}

func (u *Updater) Sensors() map[string]*iotawatt.Sensor {
	return u.snapshot.Load().Sensors
}

func (u *Updater) LastUpdateSuccess() bool {
	return u.lastSuccess.Load()
}
