package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sproutling.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPlants_AddListRemove(t *testing.T) {
	db := openTestDB(t)

	_, err := db.AddPlant("Basil", "Ocimum basilicum")
	require.NoError(t, err)
	_, err = db.AddPlant("Fern", "")
	require.NoError(t, err)

	_, err = db.AddPlant("Basil", "")
	assert.True(t, errors.Is(err, ErrPlantExists))

	_, err = db.AddPlant("  ", "")
	assert.Error(t, err)

	plants, err := db.ListPlants()
	require.NoError(t, err)
	want := []Plant{
		{Name: "Basil", Species: "Ocimum basilicum"},
		{Name: "Fern"},
	}
	if diff := cmp.Diff(want, plants); diff != "" {
		t.Errorf("plants mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, db.RemovePlant("Basil"))
	assert.ErrorIs(t, db.RemovePlant("Basil"), ErrPlantNotFound)

	plants, err = db.ListPlants()
	require.NoError(t, err)
	assert.Len(t, plants, 1)
}

func TestPlants_LastWateredAndMoisture(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.LastWatered("Basil")
	require.NoError(t, err)
	assert.False(t, ok)

	// 記録が無ければ作成される
	require.NoError(t, db.SetMoisture("Basil", "45"))
	_, ok, err = db.LastWatered("Basil")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetLastWatered("Basil", "2024-11-23 14:00:00"))
	ts, ok, err := db.LastWatered("Basil")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-11-23 14:00:00", ts)

	p, err := db.GetPlant("Basil")
	require.NoError(t, err)
	assert.Equal(t, "45", p.Moisture)

	_, err = db.GetPlant("Cactus")
	assert.ErrorIs(t, err, ErrPlantNotFound)
}

func TestSettings_Defaults(t *testing.T) {
	db := openTestDB(t)

	addr, err := db.ManualAddress()
	require.NoError(t, err)
	assert.Empty(t, addr)

	interval, err := db.CheckIntervalMinutes()
	require.NoError(t, err)
	assert.Equal(t, 60, interval)

	subnet, err := db.LastSubnet()
	require.NoError(t, err)
	assert.Empty(t, subnet)

	enabled, err := db.NotificationEnabled("low_moisture")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestSettings_RoundTrip(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SetManualAddress(" 192.168.1.50 "))
	require.NoError(t, db.SetCheckIntervalMinutes(15))
	require.NoError(t, db.SetLastSubnet("192.168.171"))
	require.NoError(t, db.SetNotificationEnabled("plant_message", false))
	assert.Error(t, db.SetCheckIntervalMinutes(0))

	s, err := db.Snapshot([]string{"low_moisture", "plant_message"})
	require.NoError(t, err)
	want := Settings{
		ManualAddress:        "192.168.1.50",
		CheckIntervalMinutes: 15,
		LastSubnet:           "192.168.171",
		Notifications:        map[string]bool{"low_moisture": true, "plant_message": false},
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sproutling.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.SetLastSubnet("10.0.0"))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	subnet, err := db.LastSubnet()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0", subnet)
}
