package protocol

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Command is an inbound request decoded from an MQTT payload.
//
// Fields holds the whole decoded JSON object so handlers can read
// action-specific parameters (amount, mode, schedules...).
type Command struct {
	Action string
	Fields map[string]any
}

// DecodeCommand turns a payload into a Command.
//
// A payload that is not a JSON object is treated as a bare command name,
// equivalent to {"command": "<payload>"}. The action is taken from
// "command" first, then "action".
func DecodeCommand(data []byte) Command {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		fields = map[string]any{"command": strings.TrimSpace(string(data))}
	}
	return Command{Action: actionOf(fields), Fields: fields}
}

// NewCommand builds a Command for local injection (operator API, schedules).
func NewCommand(action string, fields map[string]any) Command {
	if fields == nil {
		fields = make(map[string]any)
	}
	return Command{Action: action, Fields: fields}
}

func actionOf(fields map[string]any) string {
	if s, ok := fields["command"].(string); ok && s != "" {
		return s
	}
	if s, ok := fields["action"].(string); ok {
		return s
	}
	return ""
}

// Correlation returns requestId, falling back to commandId.
// It is nil when the command carried neither.
func (c Command) Correlation() *string {
	for _, key := range []string{"requestId", "commandId"} {
		switch v := c.Fields[key].(type) {
		case string:
			if v != "" {
				return &v
			}
		case float64:
			s := strconv.FormatFloat(v, 'f', -1, 64)
			return &s
		}
	}
	return nil
}

// String returns a string field or def.
func (c Command) String(key, def string) string {
	return stringField(c.Fields, key, def)
}

// Float returns a numeric field or def. Numeric strings are accepted.
func (c Command) Float(key string, def float64) float64 {
	return floatField(c.Fields, key, def)
}

// Bool returns a boolean field and whether it was present.
func (c Command) Bool(key string) (value, ok bool) {
	v, ok := c.Fields[key].(bool)
	return v, ok
}

// Nested returns an object field, or nil.
func (c Command) Nested(key string) map[string]any {
	m, _ := c.Fields[key].(map[string]any)
	return m
}

// Has reports whether key is present.
func (c Command) Has(key string) bool {
	_, ok := c.Fields[key]
	return ok
}

func stringField(m map[string]any, key, def string) string {
	switch v := m[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return def
}

func floatField(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		if !math.IsNaN(v) {
			return v
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// StringField reads a string (or number rendered as string) from a JSON object.
func StringField(m map[string]any, key, def string) string {
	return stringField(m, key, def)
}

// FloatField reads a number (or numeric string) from a JSON object.
func FloatField(m map[string]any, key string, def float64) float64 {
	return floatField(m, key, def)
}
