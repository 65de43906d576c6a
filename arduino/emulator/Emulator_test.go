package emulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sproutling/arduino"
	"sproutling/arduino/network"
)

func startEmulator(t *testing.T) *Emulator {
	t.Helper()
	emu, err := Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = emu.Close() })
	return emu
}

func newLink(emu *Emulator) *network.TCPLink {
	link := network.NewTCPLink(emu.Host(), emu.Port())
	link.ConnectTimeout = time.Second
	link.SettleDelay = 0
	return link
}

func TestEmulator_MoistureUpdate(t *testing.T) {
	emu := startEmulator(t)
	emu.SetMoisture("63")

	link := newLink(emu)
	defer link.Close()

	resp := link.SendAndReceive(context.Background(), arduino.NewCommand(arduino.CommandMoistureUpdate))
	require.NotNil(t, resp)
	assert.Equal(t, "63", resp[arduino.KeyMoisture])
	assert.Equal(t, "2024-11-23 14:00:00", resp[arduino.KeyLastWatered])
	assert.Equal(t, 1, emu.Received(arduino.CommandMoistureUpdate))
}

func TestEmulator_WaterPlantDropsConnection(t *testing.T) {
	emu := startEmulator(t)

	link := newLink(emu)
	defer link.Close()
	ctx := context.Background()

	resp := link.SendAndReceive(ctx, arduino.NewCommand(arduino.CommandWaterPlant))
	require.NotNil(t, resp)
	assert.True(t, resp.IsSuccess())

	// 切断後の受信は応答なしになる
	line, err := link.ReceiveLine(ctx)
	assert.NoError(t, err)
	assert.Nil(t, line)
	assert.False(t, link.IsConnected())

	// 次の状態取得は自動再接続で成功し、最終水やり時刻が更新されている
	status := link.SendAndReceive(ctx, arduino.NewCommand(arduino.CommandMoistureUpdate))
	require.NotNil(t, status)
	assert.NotEqual(t, "2024-11-23 14:00:00", status[arduino.KeyLastWatered])
}

func TestEmulator_WaterPlantKeepsConnection(t *testing.T) {
	emu := startEmulator(t)
	emu.SetDropAfterWater(false)

	link := newLink(emu)
	defer link.Close()

	resp := link.SendAndReceive(context.Background(), arduino.NewCommand(arduino.CommandWaterPlant))
	require.NotNil(t, resp)
	assert.True(t, resp.IsSuccess())
	assert.True(t, link.IsConnected())
}

func TestEmulator_UnknownCommand(t *testing.T) {
	emu := startEmulator(t)

	link := newLink(emu)
	defer link.Close()

	resp := link.SendAndReceive(context.Background(), arduino.NewCommand("dance"))
	require.NotNil(t, resp)
	assert.Equal(t, arduino.StatusError, resp[arduino.KeyStatus])
}

func TestEmulator_Silent(t *testing.T) {
	emu := startEmulator(t)
	emu.SetSilent(true)

	link := newLink(emu)
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	assert.Nil(t, link.SendAndReceive(ctx, arduino.NewCommand(arduino.CommandMoistureUpdate)))
	assert.Eventually(t, func() bool {
		return emu.Received(arduino.CommandMoistureUpdate) == 1
	}, time.Second, 10*time.Millisecond)
}
