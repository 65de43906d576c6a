package protocol

import (
	"encoding/json"
	"time"

	"sproutling/arduino/handler"
	"sproutling/notify"
)

// MessageType defines the type of message being sent between client and server
type MessageType string

const (
	// Server -> Client message types
	MessageTypeInitialState      MessageType = "initial_state"
	MessageTypeConnectionState   MessageType = "connection_state"
	MessageTypeStatusUpdate      MessageType = "status_update"
	MessageTypeNotification      MessageType = "notification"
	MessageTypeErrorNotification MessageType = "error_notification"
	MessageTypeCommandResult     MessageType = "command_result"
	MessageTypeLogNotification   MessageType = "log_notification"

	// Client -> Server message types
	MessageTypeConnect          MessageType = "connect"
	MessageTypeRefreshStatus    MessageType = "refresh_status"
	MessageTypeWaterPlant       MessageType = "water_plant"
	MessageTypeListPlants       MessageType = "list_plants"
	MessageTypeAddPlant         MessageType = "add_plant"
	MessageTypeRemovePlant      MessageType = "remove_plant"
	MessageTypeSetManualAddress MessageType = "set_manual_address"
	MessageTypeGetSettings      MessageType = "get_settings"
	MessageTypeSetCheckInterval MessageType = "set_check_interval"
	MessageTypeSetNotification  MessageType = "set_notification"
)

// ErrorCode defines error codes for error messages
type ErrorCode string

// Client Request Related
const (
	ErrorCodeInvalidRequestFormat ErrorCode = "INVALID_REQUEST_FORMAT"
	ErrorCodeInvalidParameters    ErrorCode = "INVALID_PARAMETERS"
	ErrorCodeTargetNotFound       ErrorCode = "TARGET_NOT_FOUND"
	ErrorCodeAlreadyExists        ErrorCode = "ALREADY_EXISTS"
)

// Controller/Server Related
const (
	ErrorCodeControllerOffline       ErrorCode = "CONTROLLER_OFFLINE"
	ErrorCodeControllerCommunication ErrorCode = "CONTROLLER_COMMUNICATION_ERROR"
	ErrorCodeInternalServerError     ErrorCode = "INTERNAL_SERVER_ERROR"
)

// Message is the base structure for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// Error represents an error in the WebSocket protocol
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Status is the latest snapshot of the controller as shown to clients
type Status struct {
	Plant          string    `json:"plant"`
	Moisture       string    `json:"moisture"`
	MoistureStatus string    `json:"moistureStatus"`
	LastWatered    string    `json:"lastWatered"`
	State          string    `json:"state"`
	At             time.Time `json:"at"`
}

// Plant represents a stored plant record
type Plant struct {
	Name           string `json:"name"`
	Species        string `json:"species,omitempty"`
	Moisture       string `json:"moisture,omitempty"`
	MoistureStatus string `json:"moistureStatus,omitempty"`
	LastWatered    string `json:"lastWatered,omitempty"`
}

// Settings represents the user settings
type Settings struct {
	ManualAddress        string          `json:"manualAddress"`
	CheckIntervalMinutes int             `json:"checkIntervalMinutes"`
	LastSubnet           string          `json:"lastSubnet,omitempty"`
	Notifications        map[string]bool `json:"notifications"`
}

// InitialStatePayload is the payload for the initial_state message
type InitialStatePayload struct {
	State             string    `json:"state"`
	Address           string    `json:"address,omitempty"`
	Status            Status    `json:"status"`
	Plants            []Plant   `json:"plants"`
	ServerStartupTime time.Time `json:"serverStartupTime"`
}

// ConnectionStatePayload is the payload for the connection_state message
type ConnectionStatePayload struct {
	State   string `json:"state"`
	Address string `json:"address,omitempty"`
}

// StatusUpdatePayload is the payload for the status_update message
type StatusUpdatePayload struct {
	Status Status `json:"status"`
}

// NotificationPayload is the payload for the notification message
type NotificationPayload struct {
	Notification notify.Notification `json:"notification"`
}

// ErrorNotificationPayload is the payload for the error_notification message
type ErrorNotificationPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// LogNotificationPayload は log_notification のペイロード。Warn 以上のログを UI に流す
type LogNotificationPayload struct {
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Time       string                 `json:"time"`
	Attributes map[string]interface{} `json:"attributes"`
}

// CommandResultPayload is the payload for the command_result message
type CommandResultPayload struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// WaterResult is the data for the command_result of water_plant
type WaterResult struct {
	Plant        string `json:"plant"`
	Acknowledged bool   `json:"acknowledged"`
	LastWatered  string `json:"lastWatered,omitempty"`
	Message      string `json:"message"`
}

// AddPlantPayload is the payload for the add_plant message
type AddPlantPayload struct {
	Name    string `json:"name"`
	Species string `json:"species,omitempty"`
}

// RemovePlantPayload is the payload for the remove_plant message
type RemovePlantPayload struct {
	Name string `json:"name"`
}

// SetManualAddressPayload is the payload for the set_manual_address message.
// An empty address clears the manual setting.
type SetManualAddressPayload struct {
	Address string `json:"address"`
}

// SetCheckIntervalPayload is the payload for the set_check_interval message
type SetCheckIntervalPayload struct {
	Minutes int `json:"minutes"`
}

// SetNotificationPayload is the payload for the set_notification message
type SetNotificationPayload struct {
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// StatusToProtocol converts a controller status report to a protocol Status
func StatusToProtocol(r handler.StatusReport) Status {
	return Status{
		Plant:          r.Plant,
		Moisture:       r.Moisture,
		MoistureStatus: notify.ClassifyMoisture(r.Moisture),
		LastWatered:    r.LastWatered,
		State:          r.State.String(),
		At:             r.At,
	}
}

// PlantToProtocol converts a stored plant record to a protocol Plant
func PlantToProtocol(p handler.PlantRecord) Plant {
	plant := Plant{
		Name:        p.Name,
		Species:     p.Species,
		Moisture:    p.Moisture,
		LastWatered: p.LastWatered,
	}
	if p.Moisture != "" {
		plant.MoistureStatus = notify.ClassifyMoisture(p.Moisture)
	}
	return plant
}

// PlantsToProtocol converts a list of plant records
func PlantsToProtocol(records []handler.PlantRecord) []Plant {
	plants := make([]Plant, 0, len(records))
	for _, r := range records {
		plants = append(plants, PlantToProtocol(r))
	}
	return plants
}

// WaterResultToProtocol converts the result of a watering command
func WaterResultToProtocol(r handler.WaterResult) WaterResult {
	return WaterResult{
		Plant:        r.Plant,
		Acknowledged: r.Acknowledged,
		LastWatered:  r.LastWatered,
		Message:      r.Message,
	}
}

// CreateMessage creates a new Message with the given type and payload
func CreateMessage(msgType MessageType, payload interface{}, requestID string) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	msg := Message{
		Type:      msgType,
		Payload:   payloadBytes,
		RequestID: requestID,
	}

	return json.Marshal(msg)
}

// ParseMessage parses a JSON message into a Message struct
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParsePayload parses the payload of a message into the given struct
func ParsePayload(msg *Message, payload interface{}) error {
	return json.Unmarshal(msg.Payload, payload)
}
