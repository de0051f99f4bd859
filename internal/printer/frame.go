package printer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrNoPrintSection is returned for report messages that carry no "print"
// object (info/system/camera sections). They are not status frames.
var ErrNoPrintSection = errors.New("no print section")

// Frame is one decoded "print" object from device/<serial>/report.
//
// Push-status frames are sparse: after the first full push the printer only
// sends keys whose values changed. Command, SequenceID and Raw are always
// set; every pointer field is nil when the key was absent. HMS is nil when
// absent and non-nil (possibly empty) when the frame carried an hms list.
type Frame struct {
	Command    string
	SequenceID string
	Result     string
	Reason     string

	GcodeState  *string
	GcodeFile   *string
	SubtaskName *string

	Percent          *float64
	RemainingMinutes *int
	LayerNum         *int
	TotalLayerNum    *int

	NozzleTemper       *float64
	NozzleTargetTemper *float64
	BedTemper          *float64
	BedTargetTemper    *float64
	ChamberTemper      *float64

	HMS        []HMSEntry
	PrintError *int

	Raw map[string]any
}

// HMSEntry is one raw element of the hms list.
type HMSEntry struct {
	Attr uint32
	Code uint32
}

// DecodeFrame parses an MQTT report payload.
func DecodeFrame(payload []byte) (*Frame, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	section, ok := envelope["print"]
	if !ok {
		return nil, ErrNoPrintSection
	}
	var raw map[string]any
	if err := json.Unmarshal(section, &raw); err != nil {
		return nil, fmt.Errorf("decode print section: %w", err)
	}
	return FrameFromMap(raw), nil
}

// FrameFromMap builds a Frame from an already decoded print object.
func FrameFromMap(raw map[string]any) *Frame {
	f := &Frame{Raw: raw}
	f.Command, _ = raw["command"].(string)
	f.SequenceID = stringOf(raw["sequence_id"])
	f.Result, _ = raw["result"].(string)
	f.Reason, _ = raw["reason"].(string)

	f.GcodeState = optString(raw, "gcode_state")
	f.GcodeFile = optString(raw, "gcode_file")
	f.SubtaskName = optString(raw, "subtask_name")

	f.Percent = optFloat(raw, "mc_percent")
	f.RemainingMinutes = optInt(raw, "mc_remaining_time")
	f.LayerNum = optInt(raw, "layer_num")
	f.TotalLayerNum = optInt(raw, "total_layer_num")

	f.NozzleTemper = optFloat(raw, "nozzle_temper")
	f.NozzleTargetTemper = optFloat(raw, "nozzle_target_temper")
	f.BedTemper = optFloat(raw, "bed_temper")
	f.BedTargetTemper = optFloat(raw, "bed_target_temper")
	f.ChamberTemper = optFloat(raw, "chamber_temper")

	if list, ok := raw["hms"].([]any); ok {
		f.HMS = make([]HMSEntry, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			attr, _ := toInt64(m["attr"])
			code, _ := toInt64(m["code"])
			f.HMS = append(f.HMS, HMSEntry{Attr: uint32(attr), Code: uint32(code)})
		}
	}
	f.PrintError = optInt(raw, "print_error")
	return f
}

func optString(m map[string]any, key string) *string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func optFloat(m map[string]any, key string) *float64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	f, ok := toFloat64(v)
	if !ok {
		return nil
	}
	return &f
}

func optInt(m map[string]any, key string) *int {
	v, ok := m[key]
	if !ok {
		return nil
	}
	n, ok := toInt64(v)
	if !ok {
		return nil
	}
	i := int(n)
	return &i
}

// toFloat64 accepts JSON numbers and numeric strings; some firmware sends
// k-values and nozzle diameters as strings.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatInt(int64(s), 10)
	default:
		return ""
	}
}
