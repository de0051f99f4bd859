package mqtt

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

const (
	cmdProjectFile = "project_file"
	cmdStop        = "stop"
	cmdPause       = "pause"
	cmdResume      = "resume"
	cmdPushAll     = "pushall"
	cmdCaliGet     = "extrusion_cali_get"
	cmdCaliSet     = "extrusion_cali_set"
	cmdCaliDel     = "extrusion_cali_del"
)

// PrintOptions are the toggles sent with project_file.
type PrintOptions struct {
	BedLeveling   bool
	FlowCali      bool
	VibrationCali bool
	LayerInspect  bool
	Timelapse     bool
	UseAMS        bool
	AMSMapping    []int
}

// DefaultPrintOptions mirrors what slicers send for a plain LAN print.
func DefaultPrintOptions() PrintOptions {
	return PrintOptions{BedLeveling: true, FlowCali: true, VibrationCali: true}
}

// StartPrint asks the printer to print plate plateID of a project file
// already uploaded to its SD card. The result only means the frame was
// sent; acceptance shows up in later status frames.
func (c *Client) StartPrint(filename string, plateID int, opts PrintOptions) bool {
	if plateID < 1 {
		plateID = 1
	}
	name := path.Base(filename)
	subtask := strings.TrimSuffix(strings.TrimSuffix(name, ".3mf"), ".gcode")
	mapping := opts.AMSMapping
	if mapping == nil {
		mapping = []int{}
	}
	return c.publish(map[string]any{"print": map[string]any{
		"command":        cmdProjectFile,
		"sequence_id":    c.nextSequence(),
		"param":          fmt.Sprintf("Metadata/plate_%d.gcode", plateID),
		"url":            "file:///sdcard/" + strings.TrimPrefix(filename, "/"),
		"subtask_name":   subtask,
		"project_id":     "0",
		"profile_id":     "0",
		"task_id":        "0",
		"subtask_id":     "0",
		"md5":            "",
		"timelapse":      opts.Timelapse,
		"bed_type":       "auto",
		"bed_levelling":  opts.BedLeveling,
		"bed_leveling":   opts.BedLeveling,
		"flow_cali":      opts.FlowCali,
		"vibration_cali": opts.VibrationCali,
		"layer_inspect":  opts.LayerInspect,
		"use_ams":        opts.UseAMS,
		"ams_mapping":    mapping,
	}})
}

// StopPrint cancels the current job.
func (c *Client) StopPrint() bool {
	return c.simple(cmdStop)
}

// PausePrint pauses the current job.
func (c *Client) PausePrint() bool {
	return c.simple(cmdPause)
}

// ResumePrint resumes a paused job.
func (c *Client) ResumePrint() bool {
	return c.simple(cmdResume)
}

// RequestPushAll asks for a full (non-sparse) status frame.
func (c *Client) RequestPushAll() bool {
	return c.publish(map[string]any{"pushing": map[string]any{
		"command":     cmdPushAll,
		"sequence_id": c.nextSequence(),
		"version":     1,
		"push_target": 1,
	}})
}

func (c *Client) simple(command string) bool {
	return c.publish(map[string]any{"print": map[string]any{
		"command":     command,
		"sequence_id": c.nextSequence(),
		"param":       "",
	}})
}

// publish sends one command frame. It is safe to call from any goroutine.
func (c *Client) publish(msg map[string]any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("encode command", "err", err)
		return false
	}
	if !c.transport.IsConnected() {
		c.logger.Warn("command not sent: not connected")
		return false
	}
	if err := c.transport.Publish(RequestTopic(c.target.Serial), data); err != nil {
		c.logger.Warn("command not sent", "err", err)
		return false
	}
	c.logger.Debug("command sent", "payload", string(data))
	return true
}
