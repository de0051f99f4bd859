package printer

import "fmt"

// HMS severities as packed in the upper half of the code word.
const (
	SeverityFatal   = 1
	SeveritySerious = 2
	SeverityCommon  = 3
	SeverityInfo    = 4
)

// HealthError is one decoded HMS record.
type HealthError struct {
	Attr     uint32 `json:"attr"`
	Code     uint32 `json:"code"`
	Module   int    `json:"module"`
	Severity int    `json:"severity"`
}

// String renders the code the way the vendor wiki indexes it.
func (h HealthError) String() string {
	return fmt.Sprintf("HMS_%04X_%04X_%04X_%04X", h.Attr>>16, h.Attr&0xFFFF, h.Code>>16, h.Code&0xFFFF)
}

// SeverityName returns a human readable severity.
func (h HealthError) SeverityName() string {
	switch h.Severity {
	case SeverityFatal:
		return "fatal"
	case SeveritySerious:
		return "serious"
	case SeverityInfo:
		return "info"
	default:
		return "common"
	}
}

// ParseHMS decodes module and severity from each packed entry. Module is the
// top byte of attr, severity the upper 16 bits of code; an out-of-range
// severity falls back to SeverityCommon.
func ParseHMS(entries []HMSEntry) []HealthError {
	out := make([]HealthError, 0, len(entries))
	for _, e := range entries {
		sev := int(e.Code >> 16)
		if sev < SeverityFatal || sev > SeverityInfo {
			sev = SeverityCommon
		}
		out = append(out, HealthError{
			Attr:     e.Attr,
			Code:     e.Code,
			Module:   int((e.Attr >> 24) & 0xFF),
			Severity: sev,
		})
	}
	return out
}
