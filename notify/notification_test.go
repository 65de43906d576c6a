package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func (s *recordingSink) Bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.got {
		out = append(out, n.Body)
	}
	return out
}

type prefs map[string]bool

func (p prefs) NotificationEnabled(kind string) (bool, error) {
	enabled, ok := p[kind]
	if !ok {
		return true, nil
	}
	return enabled, nil
}

type brokenPrefs struct{}

func (brokenPrefs) NotificationEnabled(string) (bool, error) {
	return false, errors.New("database is locked")
}

var fixedNow = time.Date(2024, 11, 24, 10, 0, 0, 0, time.Local)

func newTestDispatcher(p Preferences) (*Dispatcher, *recordingSink) {
	sink := &recordingSink{}
	d := NewDispatcher(p, sink)
	d.Now = func() time.Time { return fixedNow }
	return d, sink
}

func TestLowMoisture(t *testing.T) {
	tests := []struct {
		moisture string
		want     bool
	}{
		{"49.9", true},
		{"12", true},
		{"50", false},
		{"80", false},
		{"Offline", false},
		{"Loading...", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.moisture, func(t *testing.T) {
			n, ok := LowMoisture("Basil", tt.moisture)
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, KindLowMoisture, n.Kind)
				assert.Equal(t, "Low Water Alert!", n.Title)
				assert.Equal(t, "Basil's soil is getting dry ("+tt.moisture+"%)", n.Body)
			}
		})
	}
}

func TestWateringReminder(t *testing.T) {
	n, ok := WateringReminder("Basil", "2024-11-21 09:00:00", fixedNow)
	require.True(t, ok)
	assert.Equal(t, "Time to Water!", n.Title)
	assert.Equal(t, "Basil hasn't been watered in 3 days", n.Body)

	_, ok = WateringReminder("Basil", "2024-11-22 10:00:01", fixedNow)
	assert.False(t, ok, "1 day 23h59m is not yet two days")

	_, ok = WateringReminder("Basil", "2024-11-22 10:00:00", fixedNow)
	assert.True(t, ok)

	_, ok = WateringReminder("Basil", "Unknown", fixedNow)
	assert.False(t, ok)
}

func TestDispatcher_NotifierCallbacks(t *testing.T) {
	d, sink := newTestDispatcher(nil)

	d.OnMoistureSample("Basil", "45")
	d.OnMoistureSample("Basil", "70")
	d.OnMoistureSample("Basil", "Error")
	d.OnWateringOverdue("Basil", "2024-11-20 10:00:00")
	d.OnWateringOverdue("Basil", "2024-11-24 09:00:00")

	want := []string{
		"Basil's soil is getting dry (45%)",
		"Basil hasn't been watered in 4 days",
	}
	if diff := cmp.Diff(want, sink.Bodies()); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
	for _, n := range sink.got {
		_, err := uuid.Parse(n.ID)
		assert.NoError(t, err)
		assert.Equal(t, fixedNow, n.At)
	}
}

func TestDispatcher_DisabledKind(t *testing.T) {
	d, sink := newTestDispatcher(prefs{string(KindLowMoisture): false})

	sent, err := d.Send(Notification{Kind: KindLowMoisture, Body: "x"})
	assert.False(t, sent)
	assert.NoError(t, err)

	d.OnWateringOverdue("Basil", "2024-11-20 10:00:00")
	assert.Len(t, sink.got, 1)
	assert.Equal(t, KindWateringReminder, sink.got[0].Kind)
}

func TestDispatcher_PreferenceErrorKeepsEnabled(t *testing.T) {
	d, sink := newTestDispatcher(brokenPrefs{})
	d.OnMoistureSample("Basil", "10")
	assert.Len(t, sink.got, 1)
}

func TestDispatcher_SinkErrorsAreJoined(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	ok := &recordingSink{}
	d := NewDispatcher(nil, failing)
	d.AddSink(ok)

	sent, err := d.Send(Notification{Kind: KindPlantMessage, Body: "hi"})
	assert.True(t, sent)
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, ok.got, 1, "later sinks still receive the notification")
}

func TestDispatcher_SendPlantMessage(t *testing.T) {
	d, sink := newTestDispatcher(nil)
	d.Seed(1)

	n, err := d.SendPlantMessage("Fern")
	require.NoError(t, err)
	assert.Equal(t, KindPlantMessage, n.Kind)
	assert.Equal(t, "Message from Fern", n.Title)
	require.Len(t, sink.got, 1)
	assert.Equal(t, n.Body, sink.got[0].Body)

	d2, _ := newTestDispatcher(prefs{string(KindPlantMessage): false})
	n, err = d2.SendPlantMessage("Fern")
	assert.NoError(t, err)
	assert.Empty(t, n.Body)
}

func TestPlantMessage(t *testing.T) {
	assert.Equal(t, "It's me, Fern! How are you?", PlantMessage("Fern", 0).Body)
	assert.Equal(t, "Thanks for taking care of me!", PlantMessage("Fern", 4).Body)
	assert.Equal(t, PlantMessage("Fern", 1).Body, PlantMessage("Fern", 1+PlantMessageCount()).Body)
	assert.Equal(t, PlantMessage("Fern", 2).Body, PlantMessage("Fern", -2).Body)
}

func TestClassifyMoisture(t *testing.T) {
	tests := map[string]string{
		"100":        MoistureHealthy,
		"75":         MoistureHealthy,
		"74.9":       MoistureNeedsWater,
		"50":         MoistureNeedsWater,
		"49.9":       MoistureDry,
		"0":          MoistureDry,
		"-1":         MoistureInvalid,
		"101":        MoistureInvalid,
		"Offline":    "Offline",
		"Loading...": "Loading...",
		"Error":      "Error",
	}
	for in, want := range tests {
		assert.Equal(t, want, ClassifyMoisture(in), in)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("watering_reminder")
	require.NoError(t, err)
	assert.Equal(t, KindWateringReminder, k)

	_, err = ParseKind("spam")
	assert.Error(t, err)
	assert.Equal(t, []string{"low_moisture", "watering_reminder", "plant_message"}, KindNames())
}
