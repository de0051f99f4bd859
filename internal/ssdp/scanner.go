package ssdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Discovered is one real printer seen on the network.
type Discovered struct {
	Serial  string
	Address string
	Model   string
	Name    string
	SeenAt  time.Time
}

// ScannerConfig configures passive discovery.
type ScannerConfig struct {
	Group     string
	Port      int
	Interface *net.Interface
	// OnDiscovered is called for every announcement from a real printer.
	OnDiscovered func(Discovered)
}

// Scanner listens for printer announcements and drops the ones coming from
// emulated printers.
type Scanner struct {
	cfg    ScannerConfig
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]Discovered
}

func NewScanner(cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Scanner{
		cfg:    cfg,
		logger: logger.With("component", "ssdp-scanner"),
		seen:   make(map[string]Discovered),
	}
}

// Run listens until ctx is cancelled. It sends one M-SEARCH on start so
// printers answer without waiting for their next announcement.
func (s *Scanner) Run(ctx context.Context) error {
	conn, pc, group, err := listenMulticast(ctx, s.cfg.Group, s.cfg.Port, s.cfg.Interface, s.logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if group != nil {
		if _, err := pc.WriteTo(SearchPayload(s.cfg.Group, s.cfg.Port), nil, group); err != nil {
			s.logger.Debug("M-SEARCH failed", "err", err)
		}
	}

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ssdp scanner read: %w", err)
		}
		s.HandleDatagram(buf[:n], from)
	}
}

// HandleDatagram processes one received datagram.
func (s *Scanner) HandleDatagram(data []byte, from net.Addr) {
	msg, err := ParseMessage(data)
	if err != nil || msg.Method == MethodSearch {
		return
	}
	d, ok := DeviceFromMessage(msg)
	if !ok {
		return
	}
	if IsVirtualSerial(d.Serial) {
		return
	}
	if d.Address == "" {
		if ua, ok := from.(*net.UDPAddr); ok {
			d.Address = ua.IP.String()
		}
	}
	d2 := Discovered{Serial: d.Serial, Address: d.Address, Model: d.Model, Name: d.Name, SeenAt: time.Now()}

	s.mu.Lock()
	prev, known := s.seen[d.Serial]
	s.seen[d.Serial] = d2
	s.mu.Unlock()
	if !known || prev.Address != d2.Address {
		s.logger.Info("printer discovered", "serial", d2.Serial, "address", d2.Address, "model", d2.Model)
	}
	if s.cfg.OnDiscovered != nil {
		s.cfg.OnDiscovered(d2)
	}
}

// Known returns every printer seen so far.
func (s *Scanner) Known() []Discovered {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Discovered, 0, len(s.seen))
	for _, d := range s.seen {
		out = append(out, d)
	}
	return out
}
