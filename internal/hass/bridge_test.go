//go:build !no_hass

package hass

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"bambu-farm/internal/fleet"
	"bambu-farm/internal/printer"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeBroker struct {
	mu           sync.Mutex
	msgs         []published
	subs         map[string]pahomqtt.MessageHandler
	disconnected bool
}

func (f *fakeBroker) Publish(topic string, _ byte, retained bool, payload any) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := payload.([]byte)
	f.msgs = append(f.msgs, published{topic: topic, payload: b, retained: retained})
	return doneToken{}
}

func (f *fakeBroker) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]pahomqtt.MessageHandler)
	}
	f.subs[topic] = cb
	return doneToken{}
}

func (f *fakeBroker) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeBroker) topics(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m.topic)
		}
	}
	return out
}

func (f *fakeBroker) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].topic == topic {
			return f.msgs[i], true
		}
	}
	return published{}, false
}

func (f *fakeBroker) reset() {
	f.mu.Lock()
	f.msgs = nil
	f.mu.Unlock()
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeFleet struct {
	mu       sync.Mutex
	printers []fleet.PrinterInfo
	calls    []string
}

func (f *fakeFleet) List() []fleet.PrinterInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.PrinterInfo(nil), f.printers...)
}

func (f *fakeFleet) Status(id string) (*printer.Status, bool) {
	for _, p := range f.List() {
		if p.ID == id {
			return p.Status, p.Status != nil
		}
	}
	return nil, false
}

func (f *fakeFleet) record(op, id string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op+":"+id)
	f.mu.Unlock()
	return nil
}

func (f *fakeFleet) StopPrint(id string) error   { return f.record("stop", id) }
func (f *fakeFleet) PausePrint(id string) error  { return f.record("pause", id) }
func (f *fakeFleet) ResumePrint(id string) error { return f.record("resume", id) }

var left = fleet.PrinterInfo{
	ID:     "x1c",
	Name:   "Left",
	Serial: "00M00A000000001",
	Model:  "X1C",
	Status: &printer.Status{
		Connected:    true,
		State:        printer.StateRunning,
		SubtaskName:  "benchy",
		Progress:     37,
		Temperatures: map[string]float64{printer.TempNozzle: 220, printer.TempBed: 60},
	},
}

func newTestBridge(t *testing.T) (*Bridge, *fakeBroker, *fakeFleet) {
	t.Helper()
	fb := &fakeBroker{}
	ff := &fakeFleet{printers: []fleet.PrinterInfo{left}}
	b := newBridge(ff, fleet.NewEventBus(newTestLogger()), Config{}, newTestLogger())
	b.client = fb
	return b, fb, ff
}

func TestDiscoveryPrinterEntities(t *testing.T) {
	msgs := buildDiscovery(left, "bambu")
	if len(msgs) != len(printerEntities) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(printerEntities))
	}

	byTopic := make(map[string][]byte)
	for _, m := range msgs {
		byTopic[m.Topic] = m.Payload
	}

	var progress haDiscovery
	if err := json.Unmarshal(byTopic["homeassistant/sensor/bambu_00M00A000000001/progress/config"], &progress); err != nil {
		t.Fatalf("progress discovery: %v", err)
	}
	if progress.Name != "Left Progress" {
		t.Errorf("name = %q", progress.Name)
	}
	if progress.UniqueID != "bambu_00M00A000000001_progress" {
		t.Errorf("unique_id = %q", progress.UniqueID)
	}
	if progress.StateTopic != "bambu/x1c" || progress.ValueTemplate != "{{ value_json.progress }}" {
		t.Errorf("state = %q %q", progress.StateTopic, progress.ValueTemplate)
	}
	if len(progress.Availability) != 2 || progress.Availability[0].Topic != "bambu/bridge/state" ||
		progress.Availability[1].Topic != "bambu/x1c/availability" {
		t.Errorf("availability = %+v", progress.Availability)
	}
	if progress.Device.Manufacturer != "Bambu Lab" || progress.Device.Model != "X1C" {
		t.Errorf("device = %+v", progress.Device)
	}

	var stop haDiscovery
	if err := json.Unmarshal(byTopic["homeassistant/button/bambu_00M00A000000001/stop/config"], &stop); err != nil {
		t.Fatalf("stop discovery: %v", err)
	}
	if stop.CommandTopic != "bambu/x1c/set" || stop.PayloadPress != CommandStop || stop.StateTopic != "" {
		t.Errorf("stop button = %+v", stop)
	}
}

func TestRemoveDiscoveryMatchesTopics(t *testing.T) {
	add := buildDiscovery(left, "bambu")
	rm := buildRemoveDiscovery(left)
	if len(add) != len(rm) {
		t.Fatalf("remove count = %d, want %d", len(rm), len(add))
	}
	for i := range rm {
		if rm[i].Topic != add[i].Topic || len(rm[i].Payload) != 0 {
			t.Errorf("remove[%d] = %+v", i, rm[i])
		}
	}
}

func TestPrinterTopicName(t *testing.T) {
	tests := map[string]string{
		"x1c":        "x1c",
		"My Printer": "my_printer",
		"a/b+#":      "a_b__",
		"P1S-2":      "p1s-2",
	}
	for in, want := range tests {
		if got := printerTopicName(in); got != want {
			t.Errorf("printerTopicName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatePayload(t *testing.T) {
	p := statePayload(left.Status)
	if p["state"] != "running" || p["file"] != "benchy" || p["progress"] != 37.0 {
		t.Errorf("payload = %v", p)
	}
	if p["nozzle_temp"] != 220.0 || p["bed_temp"] != 60.0 {
		t.Errorf("temps = %v %v", p["nozzle_temp"], p["bed_temp"])
	}

	st := printer.NewStatus()
	st.CurrentFile = "cube.gcode"
	if p := statePayload(st); p["file"] != "cube.gcode" || p["state"] != "unknown" {
		t.Errorf("fallback payload = %v", p)
	}
}

func TestBridgeConnectionEvents(t *testing.T) {
	b, fb, _ := newTestBridge(t)
	conn := fleet.ConnectionEvent{PrinterID: "x1c", Serial: left.Serial}

	b.handleEvent(fleet.Event{Type: fleet.EventPrinterConnected, Data: conn})
	if n := len(fb.topics("homeassistant/")); n != len(printerEntities) {
		t.Errorf("discovery messages = %d, want %d", n, len(printerEntities))
	}
	if m, ok := fb.last("bambu/x1c/availability"); !ok || string(m.payload) != "online" || !m.retained {
		t.Errorf("availability = %+v", m)
	}
	m, ok := fb.last("bambu/x1c")
	if !ok {
		t.Fatal("state not published")
	}
	var state map[string]any
	if err := json.Unmarshal(m.payload, &state); err != nil || state["state"] != "running" {
		t.Errorf("state = %s (%v)", m.payload, err)
	}

	// Reconnecting does not republish unchanged discovery.
	fb.reset()
	b.handleEvent(fleet.Event{Type: fleet.EventPrinterConnected, Data: conn})
	if n := len(fb.topics("homeassistant/")); n != 0 {
		t.Errorf("discovery republished %d times", n)
	}

	b.handleEvent(fleet.Event{Type: fleet.EventPrinterDisconnected, Data: conn})
	if m, _ := fb.last("bambu/x1c/availability"); string(m.payload) != "offline" {
		t.Errorf("availability after disconnect = %q", m.payload)
	}

	fb.reset()
	b.handleEvent(fleet.Event{Type: fleet.EventPrinterRemoved, Data: conn})
	topics := fb.topics("homeassistant/")
	if len(topics) != len(printerEntities) {
		t.Errorf("remove messages = %d", len(topics))
	}
	for _, topic := range topics {
		if m, _ := fb.last(topic); len(m.payload) != 0 {
			t.Errorf("remove payload on %s = %q, want empty", topic, m.payload)
		}
	}
}

func TestBridgePrintEventPublishesState(t *testing.T) {
	b, fb, _ := newTestBridge(t)
	b.handleEvent(fleet.Event{Type: fleet.EventPrintCompleted, Data: fleet.PrintEvent{PrinterID: "x1c"}})
	if _, ok := fb.last("bambu/x1c"); !ok {
		t.Error("state not published on print event")
	}
	b.handleEvent(fleet.Event{Type: fleet.EventPrintCompleted, Data: fleet.PrintEvent{PrinterID: "ghost"}})
	if _, ok := fb.last("bambu/ghost"); ok {
		t.Error("state published for unknown printer")
	}
}

func TestBridgeCommands(t *testing.T) {
	b, fb, ff := newTestBridge(t)
	b.onConnect()

	if m, _ := fb.last("bambu/bridge/state"); string(m.payload) != "online" {
		t.Errorf("bridge state = %q", m.payload)
	}
	cb, ok := fb.subs["bambu/+/set"]
	if !ok {
		t.Fatal("command topic not subscribed")
	}

	cb(nil, fakeMessage{topic: "bambu/x1c/set", payload: []byte("pause")})
	cb(nil, fakeMessage{topic: "bambu/x1c/set", payload: []byte(" RESUME\n")})
	cb(nil, fakeMessage{topic: "bambu/x1c/set", payload: []byte("STOP")})
	cb(nil, fakeMessage{topic: "bambu/x1c/set", payload: []byte("explode")})
	cb(nil, fakeMessage{topic: "bambu/ghost/set", payload: []byte("STOP")})

	want := "pause:x1c,resume:x1c,stop:x1c"
	if got := strings.Join(ff.calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestBridgeStop(t *testing.T) {
	b, fb, _ := newTestBridge(t)
	b.Start()
	b.Stop()
	if m, _ := fb.last("bambu/bridge/state"); string(m.payload) != "offline" {
		t.Errorf("bridge state = %q", m.payload)
	}
	if !fb.disconnected {
		t.Error("client not disconnected")
	}
}
