package mqtt

import (
	"context"
	"sync"
	"time"

	"bambu-farm/internal/printer"
)

// calibrationSlot is the single outstanding extrusion_cali_get request.
//
// Replies carry no dedicated correlation id, only the command name and
// (on most firmware) the echoed sequence_id. Requests are queued: a second
// caller waits on turn until the first finishes or its own deadline hits.
type calibrationSlot struct {
	turn chan struct{}

	mu      sync.Mutex
	seq     string
	replyCh chan []printer.KProfile
}

func newCalibrationSlot() *calibrationSlot {
	return &calibrationSlot{turn: make(chan struct{}, 1)}
}

func (s *calibrationSlot) register(seq string) chan []printer.KProfile {
	ch := make(chan []printer.KProfile, 1)
	s.mu.Lock()
	s.seq = seq
	s.replyCh = ch
	s.mu.Unlock()
	return ch
}

func (s *calibrationSlot) clear(ch chan []printer.KProfile) {
	s.mu.Lock()
	if s.replyCh == ch {
		s.replyCh = nil
		s.seq = ""
	}
	s.mu.Unlock()
}

// deliver hands a reply to the waiting request. A reply echoing a different
// sequence id belongs to someone else (another app on the same printer).
func (s *calibrationSlot) deliver(seq string, profiles []printer.KProfile) {
	s.mu.Lock()
	ch := s.replyCh
	if ch == nil || (seq != "" && s.seq != "" && seq != s.seq) {
		s.mu.Unlock()
		return
	}
	s.replyCh = nil
	s.seq = ""
	s.mu.Unlock()
	select {
	case ch <- profiles:
	default:
	}
}

// RequestCalibrationProfiles queries the K-profiles stored for a nozzle
// diameter (e.g. "0.4"). It returns nil when the frame could not be sent or
// no reply arrived within timeout.
func (c *Client) RequestCalibrationProfiles(ctx context.Context, nozzleDiameter string, timeout time.Duration) []printer.KProfile {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case c.cali.turn <- struct{}{}:
	case <-ctx.Done():
		c.logger.Debug("calibration request gave up waiting for its turn")
		return nil
	}
	defer func() { <-c.cali.turn }()

	seq := c.nextSequence()
	ch := c.cali.register(seq)
	defer c.cali.clear(ch)

	sent := c.publish(map[string]any{"print": map[string]any{
		"command":         cmdCaliGet,
		"sequence_id":     seq,
		"filament_id":     "",
		"nozzle_diameter": nozzleDiameter,
	}})
	if !sent {
		return nil
	}

	select {
	case profiles := <-ch:
		if profiles == nil {
			profiles = []printer.KProfile{}
		}
		return profiles
	case <-ctx.Done():
		c.logger.Warn("calibration profiles request timed out", "nozzle_diameter", nozzleDiameter)
		return nil
	case <-c.done:
		return nil
	}
}

// SetCalibrationProfile creates or updates one K-profile. Fire and forget.
func (c *Client) SetCalibrationProfile(p printer.KProfile) bool {
	return c.publish(map[string]any{"print": map[string]any{
		"command":         cmdCaliSet,
		"sequence_id":     c.nextSequence(),
		"nozzle_diameter": p.NozzleDiameter,
		"filaments":       []any{p.ToWire()},
	}})
}

// DeleteCalibrationProfile removes one K-profile slot. Fire and forget.
func (c *Client) DeleteCalibrationProfile(slotID int, filamentID, nozzleDiameter string, extruderID int) bool {
	return c.publish(map[string]any{"print": map[string]any{
		"command":         cmdCaliDel,
		"sequence_id":     c.nextSequence(),
		"cali_idx":        slotID,
		"filament_id":     filamentID,
		"nozzle_diameter": nozzleDiameter,
		"extruder_id":     extruderID,
	}})
}
