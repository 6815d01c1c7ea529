package mqttcore

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTopicLength is the maximum length of an MQTT topic name or filter
// (the wire format reserves two bytes for its length prefix).
const MaxTopicLength = 65535

// MatchTopic reports whether topic matches filter, honoring the '+'
// single-level and '#' multi-level wildcards. filter must come from a
// subscription, not a publish.
func MatchTopic(filter, topic string) bool {
	if len(topic) > 0 && topic[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}

	fIdx, tIdx := 0, 0
	fLen, tLen := len(filter), len(topic)

	for fIdx <= fLen {
		var fLevel string
		var fNext int
		if idx := strings.IndexByte(filter[fIdx:], '/'); idx >= 0 {
			fNext = fIdx + idx
			fLevel = filter[fIdx:fNext]
		} else {
			fNext = fLen
			fLevel = filter[fIdx:]
		}

		if fLevel == "#" {
			return true
		}
		if tIdx > tLen {
			return false
		}

		var tLevel string
		var tNext int
		if idx := strings.IndexByte(topic[tIdx:], '/'); idx >= 0 {
			tNext = tIdx + idx
			tLevel = topic[tIdx:tNext]
		} else {
			tNext = tLen
			tLevel = topic[tIdx:]
		}

		if fLevel != "+" && fLevel != tLevel {
			return false
		}

		if fNext == fLen {
			fIdx = fLen + 1
		} else {
			fIdx = fNext + 1
		}
		if tNext == tLen {
			tIdx = tLen + 1
		} else {
			tIdx = tNext + 1
		}
	}

	return tIdx > tLen
}

// validatePublishTopic rejects topic names that are empty, oversized,
// not valid UTF-8, or carry subscription wildcards, which MQTT forbids
// in PUBLISH.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("mqttcore: topic cannot be empty")
	}
	if len(topic) > MaxTopicLength {
		return fmt.Errorf("mqttcore: topic length %d exceeds maximum %d", len(topic), MaxTopicLength)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("mqttcore: topic %q must not contain wildcards", topic)
	}
	if strings.Contains(topic, "\x00") {
		return fmt.Errorf("mqttcore: topic must not contain a null byte")
	}
	if !utf8.ValidString(topic) {
		return fmt.Errorf("mqttcore: topic is not valid UTF-8")
	}
	return nil
}

// validateTopicFilter applies the same baseline checks as
// validatePublishTopic but allows wildcards in the positions MQTT
// permits: '+' alone in a level, '#' alone as the final level.
func validateTopicFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("mqttcore: topic filter cannot be empty")
	}
	if len(filter) > MaxTopicLength {
		return fmt.Errorf("mqttcore: topic filter length %d exceeds maximum %d", len(filter), MaxTopicLength)
	}
	if strings.Contains(filter, "\x00") {
		return fmt.Errorf("mqttcore: topic filter must not contain a null byte")
	}
	if !utf8.ValidString(filter) {
		return fmt.Errorf("mqttcore: topic filter is not valid UTF-8")
	}

	parts := strings.Split(filter, "/")
	for i, part := range parts {
		if strings.Contains(part, "+") && part != "+" {
			return fmt.Errorf("mqttcore: '+' must occupy an entire topic level")
		}
		if strings.Contains(part, "#") {
			if part != "#" {
				return fmt.Errorf("mqttcore: '#' must occupy an entire topic level")
			}
			if i != len(parts)-1 {
				return fmt.Errorf("mqttcore: '#' must be the last level in a topic filter")
			}
		}
	}
	return nil
}
