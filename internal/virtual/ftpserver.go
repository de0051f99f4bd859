package virtual

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	defaultDataTimeout = 30 * time.Second
	defaultIdleTimeout = 5 * time.Minute

	// passiveGrace is the pause between closing a session's data listener
	// and binding the next one.
	passiveGrace = 100 * time.Millisecond
)

// FTPConfig configures the emulated implicit-FTPS server.
type FTPConfig struct {
	Addr        string
	AccessCode  string
	UploadDir   string
	TLS         *tls.Config
	DataTimeout time.Duration
	IdleTimeout time.Duration

	// OnFileReceived runs on the session goroutine after every transfer that
	// left a file on disk. Panics are recovered and logged.
	OnFileReceived func(path, peer string)
}

// FTPServer accepts uploads from slicer software the way a printer's SD card
// FTPS endpoint does.
type FTPServer struct {
	tracker
	cfg    FTPConfig
	logger *slog.Logger
}

// NewFTPServer creates a server. Call Listen then Serve.
func NewFTPServer(cfg FTPConfig, logger *slog.Logger) *FTPServer {
	if cfg.DataTimeout == 0 {
		cfg.DataTimeout = defaultDataTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &FTPServer{
		cfg:    cfg,
		logger: logger.With("component", "virtual-ftps"),
	}
}

// Listen binds the control port with TLS from the first byte.
func (s *FTPServer) Listen() error {
	if s.cfg.TLS == nil {
		return errors.New("ftps server: no TLS config")
	}
	l, err := tls.Listen("tcp", s.cfg.Addr, s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.setListener(l)
	s.logger.Info("FTPS server listening", "addr", l.Addr().String())
	return nil
}

// Serve accepts sessions until ctx is cancelled, then closes the listener
// and every open control and data connection and waits for the sessions.
func (s *FTPServer) Serve(ctx context.Context) error {
	return s.serve(ctx, s.logger, func(ctx context.Context, conn net.Conn) {
		newSession(ctx, s, conn).run()
	})
}

func (s *FTPServer) fileReceived(path, peer string) {
	if s.cfg.OnFileReceived == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file-received callback panic", "path", path, "peer", peer, "panic", r)
		}
	}()
	s.cfg.OnFileReceived(path, peer)
}
