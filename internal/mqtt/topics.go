package mqtt

import (
	"fmt"
	"strings"
)

// BaseTopic prefixes everything this service publishes.
const BaseTopic = "ev_tracker"

// Topics derives the per-device topic layout.
type Topics struct {
	DeviceID string
}

func NewTopics(deviceID string) Topics {
	return Topics{DeviceID: BuildCleanTopic(deviceID)}
}

func (t Topics) Base() string { return fmt.Sprintf("%s/%s", BaseTopic, t.DeviceID) }

func (t Topics) State() string { return t.Base() + "/state" }

func (t Topics) Availability() string { return t.Base() + "/availability" }

// PublicSessionCommand accepts public session logs as JSON.
func (t Topics) PublicSessionCommand() string { return t.Base() + "/public_session/set" }

// PublicSessionResult carries the outcome of each command.
func (t Topics) PublicSessionResult() string { return t.Base() + "/public_session/result" }

// Discovery returns the Home Assistant discovery config topic for an entity.
func (t Topics) Discovery(prefix, entityType, entityID string) string {
	return fmt.Sprintf("%s/%s/%s_%s/%s/config", prefix, entityType, BaseTopic, t.DeviceID, entityID)
}

// BuildCleanTopic lower-cases the parts and replaces characters MQTT treats
// specially.
func BuildCleanTopic(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.ReplaceAll(part, " ", "_")
		p = strings.ReplaceAll(p, "+", "plus")
		p = strings.ReplaceAll(p, "#", "hash")
		p = strings.ReplaceAll(p, "/", "_")
		clean = append(clean, strings.ToLower(p))
	}
	return strings.Join(clean, "/")
}
