package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bambu-farm/internal/printer"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTransport struct {
	handlers TransportHandlers

	mu        sync.Mutex
	connected bool
	connErr   error
	sub       func([]byte)
	published [][]byte
	onPublish func(payload []byte)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	err := f.connErr
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.handlers.OnConnect()
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler func([]byte)) error {
	f.mu.Lock()
	f.sub = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, payload)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(payload)
	}
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

// deliver simulates an inbound report message.
// deliver feeds payload to the subscriber. It may run on its own goroutine,
// so it reports with Error rather than Fatal.
func (f *fakeTransport) deliver(t *testing.T, payload string) {
	t.Helper()
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	if sub == nil {
		t.Error("not subscribed")
		return
	}
	sub([]byte(payload))
}

func (f *fakeTransport) commands() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, p := range f.published {
		var m map[string]any
		if err := json.Unmarshal(p, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func newTestClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c := NewClient(Target{ID: "p1", Host: "10.0.0.5", Serial: "01P00A000000001", AccessCode: "12345678"}, Options{
		Transport: func(cfg TransportConfig, h TransportHandlers) Transport {
			ft.handlers = h
			return ft
		},
	}, newTestLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c, ft
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func frame(state, file string) string {
	return `{"print":{"command":"push_status","gcode_state":"` + state + `","gcode_file":"` + file + `"}}`
}

func TestConnectSubscribesAndRequestsPushAll(t *testing.T) {
	c, ft := newTestClient(t)
	waitFor(t, c.Connected)

	cmds := ft.commands()
	if len(cmds) != 1 {
		t.Fatalf("published %d frames, want 1", len(cmds))
	}
	pushing, ok := cmds[0]["pushing"].(map[string]any)
	if !ok || pushing["command"] != "pushall" {
		t.Errorf("first command = %v, want pushall", cmds[0])
	}
}

func TestLifecycleEventsOrdered(t *testing.T) {
	c, ft := newTestClient(t)

	var mu sync.Mutex
	var events []LifecycleEvent
	c.OnLifecycle(func(ev LifecycleEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ft.deliver(t, frame("IDLE", ""))
	ft.deliver(t, frame("RUNNING", "cube.3mf"))
	ft.deliver(t, `{"print":{"command":"push_status","mc_percent":50}}`)
	ft.deliver(t, frame("FINISH", "cube.3mf"))
	ft.deliver(t, frame("FINISH", "cube.3mf"))

	waitFor(t, func() bool { return c.Status().State == printer.StateFinish })

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != printer.TransitionStarted || events[0].File != "cube.3mf" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Kind != printer.TransitionCompleted || events[1].Outcome != printer.OutcomeCompleted {
		t.Errorf("second event = %+v", events[1])
	}
	if events[1].PrinterID != "p1" || events[1].Raw["gcode_state"] != "FINISH" {
		t.Errorf("event missing printer id or raw frame: %+v", events[1])
	}
}

func TestHealthErrorsClearedOnStart(t *testing.T) {
	c, ft := newTestClient(t)

	ft.deliver(t, `{"print":{"gcode_state":"FAILED","gcode_file":"old.3mf","hms":[{"attr":50331904,"code":131073}]}}`)
	waitFor(t, func() bool { return len(c.Status().HealthErrors) == 1 })

	ft.deliver(t, frame("RUNNING", "new.3mf"))
	waitFor(t, func() bool { return c.Status().State == printer.StateRunning })

	if n := len(c.Status().HealthErrors); n != 0 {
		t.Errorf("health errors after start = %d, want 0", n)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	c, ft := newTestClient(t)
	ft.deliver(t, `{"print": nope`)
	ft.deliver(t, frame("RUNNING", "a.3mf"))
	waitFor(t, func() bool { return c.Status().State == printer.StateRunning })
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	ft := &fakeTransport{connErr: ErrNotConnected}
	c := NewClient(Target{ID: "p2", Serial: "S"}, Options{
		Transport: func(cfg TransportConfig, h TransportHandlers) Transport {
			ft.handlers = h
			return ft
		},
	}, newTestLogger())
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if c.Connected() {
		t.Error("connected = true after failed connect")
	}
	if c.StopPrint() {
		t.Error("StopPrint reported sent while disconnected")
	}
}

func TestSpuriousConnectionLostSuppressed(t *testing.T) {
	c, ft := newTestClient(t)
	ft.deliver(t, frame("IDLE", ""))
	waitFor(t, func() bool { return c.Status().State == printer.StateIdle })

	var flips atomic.Int32
	c.OnConnectionChange(func(bool) { flips.Add(1) })

	ft.handlers.OnConnectionLost(nil)
	time.Sleep(50 * time.Millisecond)
	if !c.Connected() {
		t.Error("spurious connection-lost flipped state to disconnected")
	}
	if flips.Load() != 0 {
		t.Errorf("connection handlers called %d times", flips.Load())
	}
}

func TestStartPrintCommand(t *testing.T) {
	c, ft := newTestClient(t)
	if !c.StartPrint("/jobs/cube.gcode.3mf", 2, DefaultPrintOptions()) {
		t.Fatal("StartPrint returned false")
	}
	cmds := ft.commands()
	p := cmds[len(cmds)-1]["print"].(map[string]any)
	if p["command"] != "project_file" {
		t.Errorf("command = %v", p["command"])
	}
	if p["param"] != "Metadata/plate_2.gcode" {
		t.Errorf("param = %v", p["param"])
	}
	if p["subtask_name"] != "cube" {
		t.Errorf("subtask_name = %v", p["subtask_name"])
	}
	if p["url"] != "file:///sdcard/jobs/cube.gcode.3mf" {
		t.Errorf("url = %v", p["url"])
	}
}

func TestRequestCalibrationProfiles(t *testing.T) {
	c, ft := newTestClient(t)

	ft.mu.Lock()
	ft.onPublish = func(payload []byte) {
		var m map[string]map[string]any
		if json.Unmarshal(payload, &m) != nil {
			return
		}
		p := m["print"]
		if p == nil || p["command"] != "extrusion_cali_get" {
			return
		}
		seq := p["sequence_id"].(string)
		go ft.deliver(t, `{"print":{"command":"extrusion_cali_get","sequence_id":"`+seq+`","filaments":[{"cali_idx":1,"filament_id":"GFA00","nozzle_diameter":"0.4","k_value":"0.02"}]}}`)
	}
	ft.mu.Unlock()

	got := c.RequestCalibrationProfiles(context.Background(), "0.4", time.Second)
	if len(got) != 1 || got[0].FilamentID != "GFA00" {
		t.Fatalf("profiles = %+v", got)
	}
	waitFor(t, func() bool { return len(c.Status().CalibrationProfiles) == 1 })
}

func TestRequestCalibrationProfilesTimeout(t *testing.T) {
	c, _ := newTestClient(t)
	start := time.Now()
	got := c.RequestCalibrationProfiles(context.Background(), "0.4", 50*time.Millisecond)
	if got != nil {
		t.Errorf("profiles = %+v, want nil on timeout", got)
	}
	if time.Since(start) > time.Second {
		t.Error("request did not honour timeout")
	}
}

func TestCalibrationRequestsAreQueued(t *testing.T) {
	c, ft := newTestClient(t)

	ft.mu.Lock()
	ft.onPublish = func(payload []byte) {
		var m map[string]map[string]any
		if json.Unmarshal(payload, &m) != nil || m["print"] == nil || m["print"]["command"] != "extrusion_cali_get" {
			return
		}
		seq := m["print"]["sequence_id"].(string)
		go func() {
			time.Sleep(20 * time.Millisecond)
			ft.deliver(t, `{"print":{"command":"extrusion_cali_get","sequence_id":"`+seq+`","filaments":[]}}`)
		}()
	}
	ft.mu.Unlock()

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := c.RequestCalibrationProfiles(context.Background(), "0.4", 2*time.Second); got != nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 2 {
		t.Errorf("answered requests = %d, want 2", ok.Load())
	}
}

func TestCalibrationReplyWithOtherSequenceIgnored(t *testing.T) {
	c, ft := newTestClient(t)

	ft.mu.Lock()
	ft.onPublish = func(payload []byte) {
		var m map[string]map[string]any
		if json.Unmarshal(payload, &m) != nil || m["print"] == nil || m["print"]["command"] != "extrusion_cali_get" {
			return
		}
		go ft.deliver(t, `{"print":{"command":"extrusion_cali_get","sequence_id":"999999","filaments":[]}}`)
	}
	ft.mu.Unlock()

	if got := c.RequestCalibrationProfiles(context.Background(), "0.4", 100*time.Millisecond); got != nil {
		t.Errorf("profiles = %+v, want nil for foreign reply", got)
	}
}

func TestSetAndDeleteCalibrationProfile(t *testing.T) {
	c, ft := newTestClient(t)
	if !c.SetCalibrationProfile(printer.KProfile{SlotID: 2, FilamentID: "GFA00", NozzleDiameter: "0.4", KValue: 0.02}) {
		t.Fatal("set not sent")
	}
	if !c.DeleteCalibrationProfile(2, "GFA00", "0.4", 0) {
		t.Fatal("delete not sent")
	}
	cmds := ft.commands()
	set := cmds[len(cmds)-2]["print"].(map[string]any)
	del := cmds[len(cmds)-1]["print"].(map[string]any)
	if set["command"] != "extrusion_cali_set" {
		t.Errorf("set command = %v", set["command"])
	}
	filaments := set["filaments"].([]any)
	if filaments[0].(map[string]any)["k_value"] != "0.020" {
		t.Errorf("k_value = %v", filaments[0].(map[string]any)["k_value"])
	}
	if del["command"] != "extrusion_cali_del" || del["cali_idx"] != float64(2) {
		t.Errorf("delete = %v", del)
	}
}
