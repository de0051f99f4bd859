//go:build !no_hass

// Package hass mirrors the printer fleet into a home MQTT broker with Home
// Assistant autodiscovery.
package hass

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"bambu-farm/internal/fleet"
	"bambu-farm/internal/printer"
)

// Config holds home broker settings.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// StateInterval is how often every printer's state is republished.
	StateInterval time.Duration
}

// Fleet is the part of the fleet manager the bridge reads and drives.
type Fleet interface {
	List() []fleet.PrinterInfo
	Status(id string) (*printer.Status, bool)
	StopPrint(id string) error
	PausePrint(id string) error
	ResumePrint(id string) error
}

// broker is the subset of pahomqtt.Client the bridge uses.
type broker interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes printer state and accepts pause/resume/stop commands.
type Bridge struct {
	client   broker
	fleet    Fleet
	events   *fleet.EventBus
	prefix   string
	interval time.Duration
	logger   *slog.Logger
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu         sync.Mutex
	discovered map[string]fleet.PrinterInfo // printer id -> last published identity
}

// NewBridge creates and connects a bridge.
func NewBridge(f Fleet, events *fleet.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(f, events, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("bambu-farm").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("home broker connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("home broker connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The OnConnect handler may fire before Connect returns; set the
	// client first so it can publish.
	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("home broker connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("home broker connect: %w", err)
	}
	return b, nil
}

func newBridge(f Fleet, events *fleet.EventBus, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "bambu"
	}
	if cfg.StateInterval <= 0 {
		cfg.StateInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		fleet:      f,
		events:     events,
		prefix:     cfg.TopicPrefix,
		interval:   cfg.StateInterval,
		logger:     logger.With("component", "hass"),
		ctx:        ctx,
		cancel:     cancel,
		discovered: make(map[string]fleet.PrinterInfo),
	}
}

// Start subscribes to fleet events and begins periodic state publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.wg.Add(1)
	go b.stateLoop()
	b.logger.Info("home assistant bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("home assistant bridge stopped")
}

// onConnect runs on every (re)connect: retained discovery and command
// subscriptions do not survive a clean session.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.mu.Lock()
	b.discovered = make(map[string]fleet.PrinterInfo)
	b.mu.Unlock()
	for _, p := range b.fleet.List() {
		b.ensureDiscovery(p)
		b.publishState(p.ID)
	}
	b.subscribeCommands()
}

func (b *Bridge) stateLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			for _, p := range b.fleet.List() {
				b.ensureDiscovery(p)
				b.publishState(p.ID)
			}
		}
	}
}

func (b *Bridge) handleEvent(event fleet.Event) {
	switch d := event.Data.(type) {
	case fleet.ConnectionEvent:
		switch event.Type {
		case fleet.EventPrinterConnected:
			if p, ok := b.printer(d.PrinterID); ok {
				b.ensureDiscovery(p)
			}
			b.publishAvailability(d.PrinterID, true)
			b.publishState(d.PrinterID)
		case fleet.EventPrinterDisconnected:
			b.publishAvailability(d.PrinterID, false)
		case fleet.EventPrinterRemoved:
			b.removePrinter(d.PrinterID)
		}
	case fleet.PrintEvent:
		b.publishState(d.PrinterID)
	}
}

func (b *Bridge) printer(id string) (fleet.PrinterInfo, bool) {
	for _, p := range b.fleet.List() {
		if p.ID == id {
			return p, true
		}
	}
	return fleet.PrinterInfo{}, false
}

// ensureDiscovery publishes discovery for p unless it is already published
// with the same name and model.
func (b *Bridge) ensureDiscovery(p fleet.PrinterInfo) {
	b.mu.Lock()
	prev, ok := b.discovered[p.ID]
	if ok && prev.Name == p.Name && prev.Model == p.Model && prev.Serial == p.Serial {
		b.mu.Unlock()
		return
	}
	b.discovered[p.ID] = fleet.PrinterInfo{ID: p.ID, Name: p.Name, Model: p.Model, Serial: p.Serial}
	b.mu.Unlock()

	for _, msg := range buildDiscovery(p, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "printer", p.ID, "name", printerDisplayName(p))
}

func (b *Bridge) removePrinter(id string) {
	b.mu.Lock()
	p, ok := b.discovered[id]
	delete(b.discovered, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, msg := range buildRemoveDiscovery(p) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(b.prefix+"/"+printerTopicName(id), nil, true)
}

// statePayload flattens a status into the JSON the discovery templates read.
func statePayload(st *printer.Status) map[string]any {
	file := st.SubtaskName
	if file == "" {
		file = st.CurrentFile
	}
	return map[string]any{
		"state":             st.State.String(),
		"gcode_state":       st.GcodeState,
		"progress":          st.Progress,
		"remaining_seconds": st.RemainingSeconds,
		"file":              file,
		"layer":             st.LayerNum,
		"total_layers":      st.TotalLayers,
		"nozzle_temp":       st.Temperatures[printer.TempNozzle],
		"bed_temp":          st.Temperatures[printer.TempBed],
		"health_errors":     len(st.HealthErrors),
		"connected":         st.Connected,
	}
}

func (b *Bridge) publishState(id string) {
	st, ok := b.fleet.Status(id)
	if !ok {
		return
	}
	b.publish(b.prefix+"/"+printerTopicName(id), mustJSON(statePayload(st)), true)
}

func (b *Bridge) publishAvailability(id string, online bool) {
	v := "offline"
	if online {
		v = "online"
	}
	b.publish(b.prefix+"/"+printerTopicName(id)+"/availability", []byte(v), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// subscribeCommands listens on <prefix>/+/set; the wildcard level is the
// sanitized printer id.
func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		parts := strings.Split(msg.Topic(), "/")
		if len(parts) < 2 {
			return
		}
		b.handleCommand(parts[len(parts)-2], msg.Payload())
	})
}

func (b *Bridge) handleCommand(topicName string, payload []byte) {
	id := ""
	for _, p := range b.fleet.List() {
		if printerTopicName(p.ID) == topicName {
			id = p.ID
			break
		}
	}
	if id == "" {
		b.logger.Warn("command for unknown printer", "topic", topicName)
		return
	}

	var err error
	switch cmd := strings.ToUpper(strings.TrimSpace(string(payload))); cmd {
	case CommandPause:
		err = b.fleet.PausePrint(id)
	case CommandResume:
		err = b.fleet.ResumePrint(id)
	case CommandStop:
		err = b.fleet.StopPrint(id)
	default:
		b.logger.Warn("unknown command", "printer", id, "cmd", cmd)
		return
	}
	if err != nil {
		b.logger.Warn("printer command failed", "printer", id, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
