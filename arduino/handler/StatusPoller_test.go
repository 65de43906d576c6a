package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sproutling/arduino"
)

func TestStatusPoller_RefreshesWhileConnected(t *testing.T) {
	f, c := connectedFixture(t)
	f.store.interval = 1

	poller := NewStatusPoller(context.Background(), c, f.store)
	poller.Unit = 10 * time.Millisecond
	poller.Start()
	defer poller.Stop()

	require.Eventually(t, func() bool {
		return countSent(f.link, arduino.CommandMoistureUpdate) >= 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStatusPoller_IdleWhileOffline(t *testing.T) {
	f := newCoordinatorFixture()
	f.store.interval = 1
	c := f.build(t)
	require.Equal(t, Offline, c.Connect(context.Background()))

	poller := NewStatusPoller(context.Background(), c, f.store)
	poller.Unit = 5 * time.Millisecond
	poller.Start()

	time.Sleep(50 * time.Millisecond)
	poller.Stop()

	assert.Empty(t, f.link.Sent())
	assert.Equal(t, Offline, c.State())
}

func TestStatusPoller_Interval(t *testing.T) {
	store := newMemStore()
	poller := NewStatusPoller(context.Background(), nil, store)
	assert.Equal(t, 60*time.Minute, poller.Interval())

	store.interval = 15
	assert.Equal(t, 15*time.Minute, poller.Interval())

	store.interval = 0
	assert.Equal(t, 60*time.Minute, poller.Interval())
}
