package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bambu-farm/internal/printer"
	"bambu-farm/internal/util"
)

const (
	inboxSize = 256

	// A connection-lost notification this soon after a message is treated as
	// spurious; the auto-reconnect path usually restores the session.
	spuriousDisconnectWindow = 30 * time.Second
)

// Target identifies one real printer. It does not change for the lifetime
// of a connection attempt.
type Target struct {
	ID         string
	Name       string
	Host       string
	Serial     string
	AccessCode string
	Model      string
}

// Options tunes the client. Zero values pick the printer defaults.
type Options struct {
	Port           int
	Keepalive      time.Duration
	ConnectTimeout time.Duration
	Transport      TransportFactory
}

// LifecycleEvent is a synthesized print start/completion.
type LifecycleEvent struct {
	PrinterID string
	Serial    string
	Kind      printer.TransitionKind
	File      string
	Outcome   string
	Status    *printer.Status
	Raw       map[string]any
}

// inbound is one item for the receive loop: either a report payload or a
// connectivity change.
type inbound struct {
	payload   []byte
	connected *bool
}

// Client keeps one MQTT session to a printer and owns its Status.
type Client struct {
	target    Target
	transport Transport
	logger    *slog.Logger

	inbox     chan inbound
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	// status is written only by the receive loop.
	mu       sync.RWMutex
	status   *printer.Status
	observer printer.Observer

	lastMessage atomic.Int64
	seq         atomic.Uint64

	handlerMu   sync.RWMutex
	onLifecycle []func(LifecycleEvent)
	onStatus    []func(*printer.Status)
	onConnected []func(bool)

	cali *calibrationSlot
}

// NewClient creates a client for target. Call Run or Connect to start it.
func NewClient(target Target, opts Options, logger *slog.Logger) *Client {
	c := &Client{
		target: target,
		logger: logger.With("component", "mqtt", "printer", target.ID, "serial", target.Serial),
		inbox:  make(chan inbound, inboxSize),
		done:   make(chan struct{}),
		status: printer.NewStatus(),
		cali:   newCalibrationSlot(),
	}
	factory := opts.Transport
	if factory == nil {
		factory = NewPahoTransport
	}
	c.transport = factory(TransportConfig{
		Host:       target.Host,
		Port:       opts.Port,
		ClientID:   "bambu-farm-" + target.Serial + "-" + strconv.FormatInt(time.Now().UnixNano()%100000, 10),
		AccessCode: target.AccessCode,
		Keepalive:  opts.Keepalive,
		Timeout:    opts.ConnectTimeout,
	}, TransportHandlers{
		OnConnect:        c.handleConnect,
		OnConnectionLost: c.handleConnectionLost,
	})
	return c
}

// Target returns the connection metadata.
func (c *Client) Target() Target {
	return c.target
}

// Status returns a copy of the last-known printer state.
func (c *Client) Status() *printer.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Clone()
}

// Connected reports the observable connectivity flag.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Connected
}

// OnLifecycle registers a handler for print start/completion.
func (c *Client) OnLifecycle(h func(LifecycleEvent)) {
	c.handlerMu.Lock()
	c.onLifecycle = append(c.onLifecycle, h)
	c.handlerMu.Unlock()
}

// OnStatusChange registers a handler called after every merged frame.
func (c *Client) OnStatusChange(h func(*printer.Status)) {
	c.handlerMu.Lock()
	c.onStatus = append(c.onStatus, h)
	c.handlerMu.Unlock()
}

// OnConnectionChange registers a handler for connected/disconnected flips.
func (c *Client) OnConnectionChange(h func(bool)) {
	c.handlerMu.Lock()
	c.onConnected = append(c.onConnected, h)
	c.handlerMu.Unlock()
}

// Connect opens the session once. A failure leaves the client in the
// disconnected state; the error is returned for logging only.
func (c *Client) Connect(ctx context.Context) error {
	c.startLoop()
	if err := c.transport.Connect(ctx); err != nil {
		c.logger.Debug("connect failed", "host", c.target.Host, "err", err)
		c.enqueueConnected(false)
		return err
	}
	return nil
}

// Run connects with backoff until the first session is up or ctx ends.
// After that the transport reconnects by itself.
func (c *Client) Run(ctx context.Context) {
	bo := util.NewBackoff(2*time.Second, time.Minute)
	for {
		err := c.Connect(ctx)
		if err == nil {
			return
		}
		delay := bo.Next()
		c.logger.Warn("printer unreachable, retrying", "host", c.target.Host, "attempt", bo.Attempts(), "in", delay.Round(time.Second), "err", err)
		if !util.Sleep(ctx, delay, c.done) {
			return
		}
	}
}

// Close disconnects and stops the receive loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.transport.Disconnect()
		close(c.done)
	})
	c.wg.Wait()
}

func (c *Client) startLoop() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.receiveLoop()
	})
}

func (c *Client) handleConnect() {
	c.logger.Info("MQTT connected", "host", c.target.Host)
	topic := ReportTopic(c.target.Serial)
	if err := c.transport.Subscribe(topic, c.enqueuePayload); err != nil {
		c.logger.Warn("subscribe report topic", "topic", topic, "err", err)
		return
	}
	c.enqueueConnected(true)
	if !c.RequestPushAll() {
		c.logger.Warn("pushall request not sent")
	}
}

func (c *Client) handleConnectionLost(err error) {
	last := time.Unix(0, c.lastMessage.Load())
	if since := time.Since(last); since < spuriousDisconnectWindow {
		c.logger.Debug("ignoring connection-lost shortly after traffic", "since_last_message", since.Round(time.Millisecond), "err", err)
		// Re-check once the window has passed in case reconnect never lands.
		time.AfterFunc(spuriousDisconnectWindow-since, func() {
			if !c.transport.IsConnected() {
				c.enqueueConnected(false)
			}
		})
		return
	}
	c.logger.Warn("MQTT connection lost", "err", err)
	c.enqueueConnected(false)
}

func (c *Client) enqueuePayload(payload []byte) {
	c.lastMessage.Store(time.Now().UnixNano())
	select {
	case c.inbox <- inbound{payload: payload}:
	case <-c.done:
	}
}

func (c *Client) enqueueConnected(v bool) {
	select {
	case c.inbox <- inbound{connected: &v}:
	case <-c.done:
	}
}

// receiveLoop is the single writer of status. Items are handled strictly in
// arrival order since lifecycle detection depends on the previous frame.
func (c *Client) receiveLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case in := <-c.inbox:
			c.process(in)
		}
	}
}

func (c *Client) process(in inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("frame handler panic", "panic", r)
		}
	}()
	if in.connected != nil {
		c.setConnected(*in.connected)
		return
	}
	c.OnFrame(in.payload)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	changed := c.status.Connected != v
	c.status.Connected = v
	c.mu.Unlock()
	if !changed {
		return
	}
	c.handlerMu.RLock()
	handlers := append([]func(bool){}, c.onConnected...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(v)
	}
}

// OnFrame merges one report payload into Status, runs lifecycle detection
// and notifies observers. It must only be called from the receive loop.
func (c *Client) OnFrame(payload []byte) {
	f, err := printer.DecodeFrame(payload)
	if errors.Is(err, printer.ErrNoPrintSection) {
		return
	}
	if err != nil {
		c.logger.Warn("dropping malformed frame", "err", err, "len", len(payload))
		return
	}

	var profiles []printer.KProfile
	isCali := f.Command == cmdCaliGet
	if isCali {
		profiles = printer.ParseKProfiles(f.Raw["filaments"])
	}

	c.mu.Lock()
	wasConnected := c.status.Connected
	c.status.Connected = true
	c.status.Merge(f)
	file := c.status.CurrentFile
	if file == "" {
		file = c.status.SubtaskName
	}
	var transitions []printer.Transition
	c.observer, transitions = printer.Observe(c.observer, c.status.State, file)
	for _, tr := range transitions {
		if tr.Kind == printer.TransitionStarted {
			c.status.HealthErrors = nil
		}
	}
	if isCali {
		c.status.CalibrationProfiles = profiles
	}
	snapshot := c.status.Clone()
	c.mu.Unlock()

	if isCali {
		c.cali.deliver(f.SequenceID, profiles)
	}

	c.handlerMu.RLock()
	lifecycle := append([]func(LifecycleEvent){}, c.onLifecycle...)
	statusHandlers := append([]func(*printer.Status){}, c.onStatus...)
	connHandlers := append([]func(bool){}, c.onConnected...)
	c.handlerMu.RUnlock()

	if !wasConnected {
		for _, h := range connHandlers {
			h(true)
		}
	}
	for _, tr := range transitions {
		ev := LifecycleEvent{
			PrinterID: c.target.ID,
			Serial:    c.target.Serial,
			Kind:      tr.Kind,
			File:      tr.File,
			Outcome:   tr.Outcome,
			Status:    snapshot,
			Raw:       f.Raw,
		}
		if tr.Kind == printer.TransitionStarted {
			c.logger.Info("print started", "file", tr.File)
		} else {
			c.logger.Info("print completed", "file", tr.File, "outcome", tr.Outcome)
		}
		for _, h := range lifecycle {
			h(ev)
		}
	}
	for _, h := range statusHandlers {
		h(snapshot)
	}
}

func (c *Client) nextSequence() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}
