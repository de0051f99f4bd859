package printer

import (
	"strconv"
)

// KProfile is a pressure-advance calibration record stored on the printer.
type KProfile struct {
	SlotID         int     `json:"slot_id"`
	ExtruderID     int     `json:"extruder_id"`
	NozzleID       string  `json:"nozzle_id"`
	NozzleDiameter string  `json:"nozzle_diameter"`
	FilamentID     string  `json:"filament_id"`
	Name           string  `json:"name,omitempty"`
	SettingID      string  `json:"setting_id,omitempty"`
	KValue         float64 `json:"k_value"`
	NCoef          float64 `json:"n_coef"`
}

// ParseKProfiles decodes the filaments list of an extrusion_cali_get reply.
// Entries that are not objects are skipped.
func ParseKProfiles(v any) []KProfile {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]KProfile, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var p KProfile
		if n, ok := toInt64(m["cali_idx"]); ok {
			p.SlotID = int(n)
		}
		if n, ok := toInt64(m["extruder_id"]); ok {
			p.ExtruderID = int(n)
		}
		p.NozzleID, _ = m["nozzle_id"].(string)
		switch d := m["nozzle_diameter"].(type) {
		case string:
			p.NozzleDiameter = d
		case float64:
			p.NozzleDiameter = strconv.FormatFloat(d, 'f', -1, 64)
		}
		p.FilamentID, _ = m["filament_id"].(string)
		p.Name, _ = m["name"].(string)
		p.SettingID, _ = m["setting_id"].(string)
		p.KValue, _ = toFloat64(m["k_value"])
		p.NCoef, _ = toFloat64(m["n_coef"])
		out = append(out, p)
	}
	return out
}

// ToWire renders the profile the way extrusion_cali_set expects it.
func (p KProfile) ToWire() map[string]any {
	return map[string]any{
		"cali_idx":        p.SlotID,
		"extruder_id":     p.ExtruderID,
		"nozzle_id":       p.NozzleID,
		"nozzle_diameter": p.NozzleDiameter,
		"filament_id":     p.FilamentID,
		"name":            p.Name,
		"setting_id":      p.SettingID,
		"k_value":         strconv.FormatFloat(p.KValue, 'f', 3, 64),
		"n_coef":          strconv.FormatFloat(p.NCoef, 'f', 3, 64),
	}
}
