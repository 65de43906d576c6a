package handler

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memStore はテスト用のインメモリ実装（SettingsStore, PlantStore, SubnetStore）
type memStore struct {
	mu            sync.Mutex
	manualAddress string
	interval      int
	lastSubnet    string
	plants        []PlantRecord
	setSubnets    []string
}

func newMemStore() *memStore {
	return &memStore{interval: DefaultCheckMinutes}
}

func (m *memStore) ManualAddress() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manualAddress, nil
}

func (m *memStore) SetManualAddress(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualAddress = address
	return nil
}

func (m *memStore) CheckIntervalMinutes() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval, nil
}

func (m *memStore) LastSubnet() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSubnet, nil
}

func (m *memStore) SetLastSubnet(subnet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSubnet = subnet
	m.setSubnets = append(m.setSubnets, subnet)
	return nil
}

func (m *memStore) ListPlants() ([]PlantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlantRecord(nil), m.plants...), nil
}

func (m *memStore) find(name string) int {
	for i, p := range m.plants {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (m *memStore) LastWatered(name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(name)
	if i < 0 || m.plants[i].LastWatered == "" {
		return "", false, nil
	}
	return m.plants[i].LastWatered, true, nil
}

func (m *memStore) SetLastWatered(name, ts string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(name)
	if i < 0 {
		m.plants = append(m.plants, PlantRecord{Name: name})
		i = len(m.plants) - 1
	}
	m.plants[i].LastWatered = ts
	return nil
}

func (m *memStore) SetMoisture(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(name)
	if i < 0 {
		m.plants = append(m.plants, PlantRecord{Name: name})
		i = len(m.plants) - 1
	}
	m.plants[i].Moisture = value
	return nil
}

// recordingNotifier は通知を記録する
type recordingNotifier struct {
	mu       sync.Mutex
	samples  []string
	overdues []string
}

func (r *recordingNotifier) OnMoistureSample(plant, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, plant+"="+value)
}

func (r *recordingNotifier) OnWateringOverdue(plant, lastWatered string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overdues = append(r.overdues, plant+"@"+lastWatered)
}

func (r *recordingNotifier) Samples() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.samples...)
}

func (r *recordingNotifier) Overdues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.overdues...)
}

// probeRecorder は指定したホストだけが応答するプローブ
type probeRecorder struct {
	mu        sync.Mutex
	responder string
	probed    []string
}

func (p *probeRecorder) Probe(ctx context.Context, host string, port int) bool {
	p.mu.Lock()
	p.probed = append(p.probed, host)
	p.mu.Unlock()
	return host == p.responder
}

func (p *probeRecorder) Probed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.probed...)
}

func (p *probeRecorder) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = nil
}

func subnetOfHost(host string) string {
	return host[:strings.LastIndex(host, ".")]
}

// noSleep は待機しないリトライ用の Sleep
func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}
