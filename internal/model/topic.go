package model

import (
	"strconv"
	"strings"
)

// ReadingsTopic is the MQTT topic a device publishes its reports on.
func ReadingsTopic(deviceID int64) string {
	return "devices/" + strconv.FormatInt(deviceID, 10) + "/readings"
}

// DeviceFromTopic extracts the device id from a devices/<id>/readings topic.
func DeviceFromTopic(topic string) (int64, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[2] != "readings" {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
