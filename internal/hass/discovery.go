//go:build !no_hass

package hass

import (
	"encoding/json"
	"fmt"
	"strings"

	"bambu-farm/internal/fleet"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/bambu_01S00C.../progress/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SerialNumber string   `json:"serial_number,omitempty"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	StateTopic        string           `json:"state_topic,omitempty"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	PayloadPress      string           `json:"payload_press,omitempty"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode,omitempty"`
	ValueTemplate     string           `json:"value_template,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	StateClass        string           `json:"state_class,omitempty"`
	Icon              string           `json:"icon,omitempty"`
	Device            haDevice         `json:"device"`
}

// entity is one sensor or button published per printer.
type entity struct {
	component   string
	objectID    string
	suffix      string
	deviceClass string
	unit        string
	stateClass  string
	value       string // value template; buttons use payload instead
	payload     string
	icon        string
}

var printerEntities = []entity{
	{component: "sensor", objectID: "state", suffix: "State", value: "{{ value_json.state }}", icon: "mdi:printer-3d"},
	{component: "sensor", objectID: "progress", suffix: "Progress", unit: "%", stateClass: "measurement", value: "{{ value_json.progress }}"},
	{component: "sensor", objectID: "remaining", suffix: "Remaining Time", deviceClass: "duration", unit: "s", value: "{{ value_json.remaining_seconds }}"},
	{component: "sensor", objectID: "file", suffix: "Current File", value: "{{ value_json.file }}", icon: "mdi:file"},
	{component: "sensor", objectID: "layer", suffix: "Layer", stateClass: "measurement", value: "{{ value_json.layer }}"},
	{component: "sensor", objectID: "nozzle_temp", suffix: "Nozzle Temperature", deviceClass: "temperature", unit: "°C", stateClass: "measurement", value: "{{ value_json.nozzle_temp }}"},
	{component: "sensor", objectID: "bed_temp", suffix: "Bed Temperature", deviceClass: "temperature", unit: "°C", stateClass: "measurement", value: "{{ value_json.bed_temp }}"},
	{component: "sensor", objectID: "health_errors", suffix: "Health Errors", stateClass: "measurement", value: "{{ value_json.health_errors }}", icon: "mdi:alert"},
	{component: "button", objectID: "pause", suffix: "Pause", payload: CommandPause, icon: "mdi:pause"},
	{component: "button", objectID: "resume", suffix: "Resume", payload: CommandResume, icon: "mdi:play"},
	{component: "button", objectID: "stop", suffix: "Stop", payload: CommandStop, icon: "mdi:stop"},
}

// Command payloads accepted on <prefix>/<printer>/set.
const (
	CommandPause  = "PAUSE"
	CommandResume = "RESUME"
	CommandStop   = "STOP"
)

func printerDisplayName(p fleet.PrinterInfo) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

func printerIdentifier(p fleet.PrinterInfo) string {
	return "bambu_" + p.Serial
}

// printerTopicName sanitizes the printer id for use as a topic level.
func printerTopicName(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(id))
}

// buildDiscovery generates HA discovery messages for one printer.
func buildDiscovery(p fleet.PrinterInfo, prefix string) []discoveryMsg {
	nodeID := printerIdentifier(p)
	base := prefix + "/" + printerTopicName(p.ID)
	displayName := printerDisplayName(p)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Bambu Lab",
		Model:        p.Model,
		Name:         displayName,
		SerialNumber: p.Serial,
	}
	avail := []haAvailability{{Topic: prefix + "/bridge/state"}, {Topic: base + "/availability"}}

	msgs := make([]discoveryMsg, 0, len(printerEntities))
	for _, e := range printerEntities {
		d := haDiscovery{
			Name:              displayName + " " + e.suffix,
			UniqueID:          nodeID + "_" + e.objectID,
			Availability:      avail,
			AvailabilityMode:  "all",
			DeviceClass:       e.deviceClass,
			UnitOfMeasurement: e.unit,
			StateClass:        e.stateClass,
			Icon:              e.icon,
			Device:            haDev,
		}
		if e.component == "button" {
			d.CommandTopic = base + "/set"
			d.PayloadPress = e.payload
		} else {
			d.StateTopic = base
			d.ValueTemplate = e.value
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, e.objectID),
			Payload: mustJSON(d),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages that remove a
// printer from HA.
func buildRemoveDiscovery(p fleet.PrinterInfo) []discoveryMsg {
	nodeID := printerIdentifier(p)
	msgs := make([]discoveryMsg, 0, len(printerEntities))
	for _, e := range printerEntities {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, e.objectID),
		})
	}
	return msgs
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
