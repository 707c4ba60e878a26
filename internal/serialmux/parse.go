package serialmux

import "strings"

const (
	EventTypeImu      = "imu"
	EventTypeEncoder  = "enc"
	EventTypeActuator = "ecu"
	EventTypeUnknown  = "unknown"
)

// ClassifyPayload returns the event type of a sensor line by its leading key
// without decoding it. Lines that are not JSON objects are EventTypeUnknown.
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "{") {
		return EventTypeUnknown
	}
	body := strings.TrimSpace(payload[1:])
	for _, kind := range []string{EventTypeImu, EventTypeEncoder, EventTypeActuator} {
		if strings.HasPrefix(body, `"`+kind+`"`) {
			return kind
		}
	}
	return EventTypeUnknown
}
