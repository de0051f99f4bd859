package ssdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

const defaultAnnounceInterval = 30 * time.Second

// ResponderConfig configures the announcing side.
type ResponderConfig struct {
	Device   Device
	Group    string // empty disables multicast (join and NOTIFY)
	Port     int
	Interval time.Duration
	// Interface to join the group on; nil lets the kernel choose.
	Interface *net.Interface
}

// Responder makes an emulated printer discoverable. It keeps no per-peer
// state.
type Responder struct {
	cfg    ResponderConfig
	logger *slog.Logger

	mu    sync.Mutex
	conn  net.PacketConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr
}

// NewResponder returns a responder. Call Listen then Serve.
func NewResponder(cfg ResponderConfig, logger *slog.Logger) *Responder {
	if cfg.Interval == 0 {
		cfg.Interval = defaultAnnounceInterval
	}
	return &Responder{
		cfg:    cfg,
		logger: logger.With("component", "ssdp", "serial", cfg.Device.Serial),
	}
}

// listenMulticast binds port on all interfaces with address reuse and joins
// group when one is given.
func listenMulticast(ctx context.Context, group string, port int, ifi *net.Interface, logger *slog.Logger) (net.PacketConn, *ipv4.PacketConn, *net.UDPAddr, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listen udp %d: %w", port, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if group == "" {
		return conn, pc, nil, nil
	}
	gaddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	if gaddr.IP == nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("invalid multicast group %q", group)
	}
	if err := pc.JoinGroup(ifi, gaddr); err != nil {
		// Unicast replies still work without the group.
		logger.Warn("multicast join failed", "group", group, "err", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		logger.Debug("multicast loopback", "err", err)
	}
	return conn, pc, gaddr, nil
}

// Listen binds the SSDP port and joins the multicast group.
func (r *Responder) Listen() error {
	conn, pc, group, err := listenMulticast(context.Background(), r.cfg.Group, r.cfg.Port, r.cfg.Interface, r.logger)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn, r.pc, r.group = conn, pc, group
	r.mu.Unlock()
	r.logger.Info("SSDP responder listening", "port", r.LocalPort(), "group", r.cfg.Group)
	return nil
}

// LocalPort returns the bound UDP port.
func (r *Responder) LocalPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return 0
	}
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Serve announces immediately, answers searches and re-announces every
// Interval until ctx is cancelled.
func (r *Responder) Serve(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.New("ssdp: Serve before Listen")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error {
		r.announce()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r.announce()
			}
		}
	})
	g.Go(func() error {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ssdp read: %w", err)
			}
			r.handle(buf[:n], from)
		}
	})
	return g.Wait()
}

func (r *Responder) handle(data []byte, from net.Addr) {
	msg, err := ParseMessage(data)
	if err != nil {
		r.logger.Debug("ignoring datagram", "from", from.String(), "err", err)
		return
	}
	if msg.Method != MethodSearch || !isSearchForUs(msg) {
		return
	}
	r.logger.Debug("M-SEARCH received", "from", from.String())
	if _, err := r.conn.WriteTo(ResponsePayload(r.cfg.Device), from); err != nil {
		r.logger.Warn("SSDP reply failed", "to", from.String(), "err", err)
	}
	r.announce()
}

func (r *Responder) announce() {
	if r.group == nil {
		return
	}
	payload := NotifyPayload(r.cfg.Device, r.cfg.Group, r.cfg.Port)
	if _, err := r.pc.WriteTo(payload, nil, r.group); err != nil {
		r.logger.Warn("SSDP announce failed", "err", err)
	}
}

// LocalIPv4 returns the address this host uses for outbound traffic. No
// packet is sent.
func LocalIPv4() (string, error) {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
