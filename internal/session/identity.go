package session

import (
	"regexp"
	"strconv"
	"time"
)

var usernamePattern = regexp.MustCompile(`^device_(\d+)$`)

// ClientID returns a per-session broker client id, device_{id}_{unix ms}.
func ClientID(deviceID string, now time.Time) string {
	return "device_" + deviceID + "_" + strconv.FormatInt(now.UnixMilli(), 10)
}

// Username returns the broker login for deviceID. An empty configured
// username, or one equal to the bare device id, becomes device_{id}.
func Username(deviceID, configured string) string {
	if configured == "" || configured == deviceID {
		return "device_" + deviceID
	}
	return configured
}

// DeviceIDFromUsername extracts the numeric device id from device_{id}.
func DeviceIDFromUsername(username string) (string, bool) {
	m := usernamePattern.FindStringSubmatch(username)
	if m == nil {
		return "", false
	}
	return m[1], true
}
