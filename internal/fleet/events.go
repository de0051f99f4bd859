package fleet

import (
	"log/slog"
	"sync"

	"bambu-farm/internal/printer"
)

// Event types
const (
	EventPrintStarted        = "print_started"
	EventPrintCompleted      = "print_completed"
	EventPrinterConnected    = "printer_connected"
	EventPrinterDisconnected = "printer_disconnected"
	EventPrinterDiscovered   = "printer_discovered"
	EventPrinterRemoved      = "printer_removed"
	EventFileArchived        = "file_archived"
	EventReviewCreated       = "review_created"
)

// Event represents a fleet event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PrintEvent is the payload of print_started and print_completed.
type PrintEvent struct {
	PrinterID string          `json:"printer_id"`
	Serial    string          `json:"serial"`
	File      string          `json:"file"`
	Outcome   string          `json:"outcome,omitempty"`
	Status    *printer.Status `json:"status"`
	Raw       map[string]any  `json:"raw,omitempty"`
}

// ConnectionEvent is the payload of printer_connected, printer_disconnected
// and printer_removed.
type ConnectionEvent struct {
	PrinterID string `json:"printer_id"`
	Serial    string `json:"serial"`
	Host      string `json:"host"`
}

// DiscoveryEvent is the payload of printer_discovered.
type DiscoveryEvent struct {
	Serial  string `json:"serial"`
	Address string `json:"address"`
	Model   string `json:"model"`
	Name    string `json:"name"`
	Known   bool   `json:"known"`
}

// ArchiveEvent is the payload of file_archived.
type ArchiveEvent struct {
	ArchiveID string `json:"archive_id"`
	Filename  string `json:"filename"`
	Source    string `json:"source"`
	PrinterID string `json:"printer_id,omitempty"`
}

// ReviewEvent is the payload of review_created.
type ReviewEvent struct {
	ReviewID string `json:"review_id"`
	Filename string `json:"filename"`
	Peer     string `json:"peer,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for fleet events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// OnPrinter registers a handler for eventType that only fires for events
// whose payload names printerID. An empty printerID matches every printer.
func (eb *EventBus) OnPrinter(eventType, printerID string, handler EventHandler) func() {
	if printerID == "" {
		return eb.On(eventType, handler)
	}
	return eb.On(eventType, func(e Event) {
		if PrinterIDOf(e) == printerID {
			handler(e)
		}
	})
}

// PrinterIDOf returns the printer an event is about, or "".
func PrinterIDOf(e Event) string {
	switch d := e.Data.(type) {
	case PrintEvent:
		return d.PrinterID
	case *PrintEvent:
		return d.PrinterID
	case ConnectionEvent:
		return d.PrinterID
	case ArchiveEvent:
		return d.PrinterID
	}
	return ""
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
