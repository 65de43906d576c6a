package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubnetOf(t *testing.T) {
	tests := []struct {
		ip     string
		want   string
		wantOK bool
	}{
		{"192.168.171.57", "192.168.171", true},
		{"10.0.0.1", "10.0.0", true},
		{"::1", "", false},
		{"not-an-ip", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, ok := SubnetOf(tt.ip)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateSubnet(t *testing.T) {
	assert.NoError(t, ValidateSubnet("192.168.171"))
	assert.Error(t, ValidateSubnet("192.168"))
	assert.Error(t, ValidateSubnet("192.168.171.0"))
	assert.Error(t, ValidateSubnet("192.168.300"))
	assert.Error(t, ValidateSubnet("a.b.c"))
}

func TestHostsOf(t *testing.T) {
	hosts := HostsOf("192.168.1")
	assert.Len(t, hosts, 253)
	assert.Equal(t, "192.168.1.2", hosts[0])
	assert.Equal(t, "192.168.1.254", hosts[len(hosts)-1])
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), 0))
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, SleepContext(ctx, 0), context.Canceled)
}
