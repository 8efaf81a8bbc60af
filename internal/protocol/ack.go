package protocol

import (
	"strconv"
	"time"
)

// AckStatus is the outcome reported in an acknowledgment.
type AckStatus string

const (
	// AckSuccess indicates the command was recognised and applied.
	AckSuccess AckStatus = "success"

	// AckUnknownCommand indicates the module does not know the action.
	AckUnknownCommand AckStatus = "unknown_command"

	// AckUnsupportedModule indicates no handler exists for the module's type.
	AckUnsupportedModule AckStatus = "unsupported_module"
)

// Ack acknowledges one command.
//
// Topic: {ns}/{deviceId}/command_ack or {ns}/{deviceId}/modules/{moduleId}/command_ack
type Ack struct {
	// CommandID and RequestID carry the same correlation id. Both are
	// serialised as null, never omitted, when the command had none.
	CommandID *string `json:"commandId"`
	RequestID *string `json:"requestId"`

	// ModuleID is set for module-scoped acks.
	ModuleID string `json:"moduleId,omitempty"`

	Action    string    `json:"action"`
	Success   bool      `json:"success"`
	Status    AckStatus `json:"status"`
	Timestamp int64     `json:"timestamp"`
}

// NewAck builds the acknowledgment for cmd.
//
// A failed command without a more specific status is reported as unknown_command.
func NewAck(cmd Command, moduleID string, success bool, status AckStatus) Ack {
	if status == "" {
		status = AckSuccess
		if !success {
			status = AckUnknownCommand
		}
	}
	corr := cmd.Correlation()
	return Ack{
		CommandID: corr,
		RequestID: corr,
		ModuleID:  moduleID,
		Action:    cmd.Action,
		Success:   success,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
}

// LegacyResponse is the older device-scoped reply some backends still read.
//
// Topic: {ns}/{deviceId}/response
type LegacyResponse struct {
	RequestID string `json:"requestId"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// NewLegacyResponse builds the legacy reply. A missing request id is
// replaced by "req_<unix ms>" because old consumers require one.
func NewLegacyResponse(cmd Command) LegacyResponse {
	now := time.Now().UnixMilli()
	reqID := cmd.String("requestId", "")
	if reqID == "" {
		reqID = "req_" + strconv.FormatInt(now, 10)
	}
	return LegacyResponse{
		RequestID: reqID,
		Action:    cmd.Action,
		Status:    string(AckSuccess),
		Timestamp: now,
	}
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// format used by device-side payloads.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
