// Package printer holds the last-known state of one Bambu Lab printer and the
// pure functions that derive print lifecycle events from status frames.
package printer

import (
	"strings"
	"time"
)

// PrintState is the normalized print state reported in gcode_state.
type PrintState int

const (
	StateUnknown PrintState = iota
	StateIdle
	StateRunning
	StatePause
	StateFinish
	StateFailed
)

func (s PrintState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePause:
		return "pause"
	case StateFinish:
		return "finish"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParsePrintState maps the printer's gcode_state string to a PrintState.
// PREPARE counts as running: the printer has committed to the job.
func ParsePrintState(gcodeState string) PrintState {
	switch strings.ToUpper(strings.TrimSpace(gcodeState)) {
	case "IDLE":
		return StateIdle
	case "RUNNING", "PREPARE":
		return StateRunning
	case "PAUSE":
		return StatePause
	case "FINISH":
		return StateFinish
	case "FAILED":
		return StateFailed
	default:
		return StateUnknown
	}
}

// Temperature keys used in Status.Temperatures.
const (
	TempNozzle       = "nozzle"
	TempNozzleTarget = "nozzle_target"
	TempBed          = "bed"
	TempBedTarget    = "bed_target"
	TempChamber      = "chamber"
)

// Status is the last-known state of one printer.
//
// A single writer (the owning MQTT client's receive loop) mutates it field by
// field as sparse frames arrive. Readers get copies via Clone and must accept
// that a copy may mix fields from different frames.
type Status struct {
	Connected           bool               `json:"connected"`
	State               PrintState         `json:"state"`
	GcodeState          string             `json:"gcode_state,omitempty"`
	CurrentFile         string             `json:"current_file,omitempty"`
	SubtaskName         string             `json:"subtask_name,omitempty"`
	Progress            float64            `json:"progress"`
	RemainingSeconds    int                `json:"remaining_seconds"`
	LayerNum            int                `json:"layer_num"`
	TotalLayers         int                `json:"total_layers"`
	Temperatures        map[string]float64 `json:"temperatures"`
	HealthErrors        []HealthError      `json:"health_errors"`
	CalibrationProfiles []KProfile         `json:"calibration_profiles,omitempty"`
	Raw                 map[string]any     `json:"-"`
	LastUpdate          time.Time          `json:"last_update"`
}

// NewStatus returns an empty status in the disconnected, unknown state.
func NewStatus() *Status {
	return &Status{
		State:        StateUnknown,
		Temperatures: make(map[string]float64),
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *Status) Clone() *Status {
	c := *s
	c.Temperatures = make(map[string]float64, len(s.Temperatures))
	for k, v := range s.Temperatures {
		c.Temperatures[k] = v
	}
	if s.HealthErrors != nil {
		c.HealthErrors = append([]HealthError(nil), s.HealthErrors...)
	}
	if s.CalibrationProfiles != nil {
		c.CalibrationProfiles = append([]KProfile(nil), s.CalibrationProfiles...)
	}
	if s.Raw != nil {
		c.Raw = make(map[string]any, len(s.Raw))
		for k, v := range s.Raw {
			c.Raw[k] = v
		}
	}
	return &c
}

// Merge applies the fields present in f. Absent fields keep their previous
// values; health errors are only replaced when the frame carries an hms list.
func (s *Status) Merge(f *Frame) {
	if f.GcodeState != nil {
		s.GcodeState = *f.GcodeState
		s.State = ParsePrintState(*f.GcodeState)
	}
	if f.GcodeFile != nil {
		s.CurrentFile = *f.GcodeFile
	}
	if f.SubtaskName != nil {
		s.SubtaskName = *f.SubtaskName
	}
	if f.Percent != nil {
		s.Progress = *f.Percent
	}
	if f.RemainingMinutes != nil {
		s.RemainingSeconds = *f.RemainingMinutes * 60
	}
	if f.LayerNum != nil {
		s.LayerNum = *f.LayerNum
	}
	if f.TotalLayerNum != nil {
		s.TotalLayers = *f.TotalLayerNum
	}
	if s.Temperatures == nil {
		s.Temperatures = make(map[string]float64)
	}
	setTemp(s.Temperatures, TempNozzle, f.NozzleTemper)
	setTemp(s.Temperatures, TempNozzleTarget, f.NozzleTargetTemper)
	setTemp(s.Temperatures, TempBed, f.BedTemper)
	setTemp(s.Temperatures, TempBedTarget, f.BedTargetTemper)
	setTemp(s.Temperatures, TempChamber, f.ChamberTemper)
	if f.HMS != nil {
		s.HealthErrors = ParseHMS(f.HMS)
	}
	if s.Raw == nil {
		s.Raw = make(map[string]any, len(f.Raw))
	}
	for k, v := range f.Raw {
		s.Raw[k] = v
	}
	s.LastUpdate = time.Now()
}

func setTemp(m map[string]float64, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}
