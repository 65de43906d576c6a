package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sproutling/arduino/handler"
)

func TestStatusToProtocol(t *testing.T) {
	at := time.Date(2024, 11, 24, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		report handler.StatusReport
		want   Status
	}{
		{
			name: "connected dry plant",
			report: handler.StatusReport{
				Plant:       "Basil",
				Moisture:    "45",
				LastWatered: "2024-11-23 14:00:00",
				State:       handler.Connected,
				At:          at,
			},
			want: Status{
				Plant:          "Basil",
				Moisture:       "45",
				MoistureStatus: "Dry",
				LastWatered:    "2024-11-23 14:00:00",
				State:          "CONNECTED",
				At:             at,
			},
		},
		{
			name: "offline sentinel passes through",
			report: handler.StatusReport{
				Plant:       "Basil",
				Moisture:    handler.MoistureOffline,
				LastWatered: handler.MoistureOffline,
				State:       handler.Offline,
				At:          at,
			},
			want: Status{
				Plant:          "Basil",
				Moisture:       "Offline",
				MoistureStatus: "Offline",
				LastWatered:    "Offline",
				State:          "OFFLINE",
				At:             at,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StatusToProtocol(tt.report)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("StatusToProtocol() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlantsToProtocol(t *testing.T) {
	got := PlantsToProtocol([]handler.PlantRecord{
		{Name: "Basil", Species: "Ocimum basilicum", Moisture: "80"},
		{Name: "Fern"},
	})
	want := []Plant{
		{Name: "Basil", Species: "Ocimum basilicum", Moisture: "80", MoistureStatus: "Healthy"},
		{Name: "Fern"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PlantsToProtocol() mismatch (-want +got):\n%s", diff)
	}

	if got := PlantsToProtocol(nil); got == nil || len(got) != 0 {
		t.Errorf("PlantsToProtocol(nil) = %#v, want empty non-nil slice", got)
	}
}

func TestCreateAndParseMessage(t *testing.T) {
	data, err := CreateMessage(MessageTypeAddPlant, AddPlantPayload{Name: "Basil", Species: "herb"}, "req-1")
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Type != MessageTypeAddPlant {
		t.Errorf("Type = %v, want %v", msg.Type, MessageTypeAddPlant)
	}
	if msg.RequestID != "req-1" {
		t.Errorf("RequestID = %v, want req-1", msg.RequestID)
	}

	var payload AddPlantPayload
	if err := ParsePayload(msg, &payload); err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if payload.Name != "Basil" || payload.Species != "herb" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	if _, err := ParseMessage([]byte("{not json")); err == nil {
		t.Error("ParseMessage() expected error for malformed input")
	}
}

func TestCommandResultWireFormat(t *testing.T) {
	data, err := json.Marshal(WaterResultToProtocol(handler.WaterResult{
		Plant:        "Basil",
		Acknowledged: false,
		Message:      "water command sent, no reply from controller",
	}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	result := CommandResultPayload{Success: true, Data: data}
	out, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	want := `{"success":true,"data":{"plant":"Basil","acknowledged":false,"message":"water command sent, no reply from controller"}}`
	if string(out) != want {
		t.Errorf("wire format = %s, want %s", out, want)
	}
}
