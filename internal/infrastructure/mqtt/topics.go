package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the base for topics owned by the resolver itself.
const TopicPrefix = "tsr"

// StatusTopic returns the retained online/offline topic for a client.
//
// Example: tsr/tsr-lights/status
func StatusTopic(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, clientID)
}

// ValidatePublishTopic rejects empty topics and topics carrying wildcards,
// which brokers refuse on publish.
func ValidatePublishTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards are not allowed in %q", ErrInvalidTopic, topic)
	}
	return nil
}

// TopicMatches reports whether topic matches the subscription filter,
// honouring the + (single level) and # (trailing multi level) wildcards.
func TopicMatches(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, part := range fl {
		if part == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if part != "+" && part != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

