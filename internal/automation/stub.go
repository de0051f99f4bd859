//go:build no_automation

package automation

import (
	"log/slog"

	"bambu-farm/internal/fleet"
	"bambu-farm/internal/printer"
)

// Fleet is what scripts may read and control.
type Fleet interface {
	Status(id string) (*printer.Status, bool)
	List() []fleet.PrinterInfo
	StopPrint(id string) error
	PausePrint(id string) error
	ResumePrint(id string) error
}

// NotifyConfig is accepted and ignored when automation is compiled out.
type NotifyConfig struct {
	TelegramToken   string   `yaml:"telegram_token"`
	TelegramChatIDs []string `yaml:"telegram_chat_ids"`
	NtfyURL         string   `yaml:"ntfy_url"`
	Webhooks        []string `yaml:"webhooks"`
}

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is an automation script.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Scripts is a no-op store.
type Scripts struct{}

func NewScripts(_ string) (*Scripts, error) { return &Scripts{}, nil }
func (s *Scripts) List() ([]*Script, error) { return nil, nil }
func (s *Scripts) Get(_ string) (*Script, error) { return nil, nil }
func (s *Scripts) Save(sc *Script) (*Script, error) { return sc, nil }
func (s *Scripts) Delete(_ string) error { return nil }

// Engine is a no-op stub.
type Engine struct{}

func NewEngine(_ *fleet.EventBus, _ Fleet, _ *Scripts, _ NotifyConfig, _ *slog.Logger) *Engine {
	return &Engine{}
}

func (e *Engine) Start() {}
func (e *Engine) Stop() {}
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) Running() []string { return nil }

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}
