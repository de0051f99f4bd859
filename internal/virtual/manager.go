// Package virtual emulates a Bambu printer on the LAN so slicers can "print"
// to it: SSDP discovery, an implicit-FTPS upload endpoint and a minimal MQTT
// command endpoint. Uploaded project files are archived or queued for review.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bambu-farm/internal/archive"
	"bambu-farm/internal/fleet"
	"bambu-farm/internal/ssdp"
	"bambu-farm/internal/store"
)

var (
	ErrAccessCodeRequired  = errors.New("virtual printer: access code required")
	ErrProxyTargetRequired = errors.New("virtual printer: proxy mode requires a target printer")
	ErrUnsupportedMode     = errors.New("virtual printer: unsupported mode")
	ErrUnknownModel        = errors.New("virtual printer: unknown model")
	ErrClosed              = errors.New("virtual printer: manager closed")
)

type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeReview    Mode = "review"
	ModeProxy     Mode = "proxy"
)

// Settings is the user-facing configuration. Configure is idempotent on it.
type Settings struct {
	Enabled    bool
	Name       string
	Model      string
	AccessCode string
	Mode       Mode
	TargetHost string
}

// Config is the static part: where to bind and where to put files.
type Config struct {
	Bind        string
	Address     string // IPv4 advertised over SSDP; detected when empty
	FTPPort     int
	MQTTPort    int
	SSDPPort    int
	SSDPGroup   string
	UploadDir   string
	CertDir     string
	DataTimeout time.Duration
	StopTimeout time.Duration
}

// Archiver is the archive-ingestion collaborator.
type Archiver interface {
	Archive(ctx context.Context, sourcePath string) (string, error)
}

// ReviewStore is the pending-review collaborator.
type ReviewStore interface {
	CreateReview(r *store.Review) error
	GetReview(id string) (*store.Review, error)
	ResolveReview(id string, status store.ReviewStatus, archiveID string) (*store.Review, error)
}

// Emitter receives coordinator events. *fleet.EventBus satisfies it.
type Emitter interface {
	Emit(fleet.Event)
}

// Service names reported by ServiceStatus.
const (
	ServiceFTP     = "ftps"
	ServiceCommand = "mqtt"
	ServiceSSDP    = "ssdp"
)

type ServiceState struct {
	Name  string `json:"name"`
	State string `json:"state"` // starting, running, failed, stopped
	Addr  string `json:"addr,omitempty"`
	Error string `json:"error,omitempty"`
}

type pendingUpload struct {
	path     string
	peer     string
	at       time.Time
	reviewID string
}

// actorState is owned by the actor goroutine; nothing else touches it.
type actorState struct {
	mode    Mode
	pending map[string]pendingUpload // by local path
}

// reviewDir holds uploads awaiting review, one subdirectory per review so a
// re-upload under the same name never replaces a queued file.
const reviewDir = "review"

// instance is one running set of services.
type instance struct {
	settings Settings
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager coordinates the emulated printer's services and owns the uploads
// they produce.
type Manager struct {
	cfg      Config
	archiver Archiver
	reviews  ReviewStore
	events   Emitter
	logger   *slog.Logger

	mu      sync.Mutex // serializes Configure/Stop/Close
	current *instance
	closed  bool

	statusMu sync.RWMutex
	status   map[string]ServiceState

	baseCtx    context.Context
	baseCancel context.CancelFunc
	actor      chan func(*actorState)
	actorDone  chan struct{}
}

// NewManager starts the upload actor. The emulated printer stays disabled
// until Configure enables it.
func NewManager(cfg Config, archiver Archiver, reviews ReviewStore, events Emitter, logger *slog.Logger) *Manager {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		archiver:   archiver,
		reviews:    reviews,
		events:     events,
		logger:     logger.With("component", "virtual-printer", "serial", VirtualSerial),
		status:     make(map[string]ServiceState),
		baseCtx:    ctx,
		baseCancel: cancel,
		actor:      make(chan func(*actorState), 64),
		actorDone:  make(chan struct{}),
	}
	go m.runActor()
	return m
}

func (m *Manager) runActor() {
	defer close(m.actorDone)
	st := &actorState{mode: ModeImmediate, pending: make(map[string]pendingUpload)}
	for {
		select {
		case fn := <-m.actor:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("upload handler panic", "panic", r)
					}
				}()
				fn(st)
			}()
		case <-m.baseCtx.Done():
			return
		}
	}
}

// submit queues fn on the actor. It returns false once the manager is
// closed.
func (m *Manager) submit(fn func(*actorState)) bool {
	select {
	case m.actor <- fn:
		return true
	case <-m.baseCtx.Done():
		return false
	}
}

// call runs fn on the actor and waits for it.
func (m *Manager) call(ctx context.Context, fn func(*actorState)) error {
	done := make(chan struct{})
	if !m.submit(func(st *actorState) {
		defer close(done)
		fn(st)
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.actorDone:
		return ErrClosed
	}
}

func validate(s Settings) (Settings, string, error) {
	if s.Mode == "" {
		s.Mode = ModeImmediate
	}
	switch s.Mode {
	case ModeImmediate, ModeReview:
		if s.AccessCode == "" {
			return s, "", ErrAccessCodeRequired
		}
	case ModeProxy:
		if s.TargetHost == "" {
			return s, "", ErrProxyTargetRequired
		}
		return s, "", fmt.Errorf("%w: %s", ErrUnsupportedMode, s.Mode)
	default:
		return s, "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s.Mode)
	}
	code, ok := ModelCode(s.Model)
	if !ok {
		return s, "", fmt.Errorf("%w: %q", ErrUnknownModel, s.Model)
	}
	if s.Name == "" {
		s.Name = "Bambu Farm"
	}
	return s, code, nil
}

// Configure applies settings. Disabling stops every service. Enabling with
// the same model, name and access code only updates the upload mode; any
// of those three changing restarts the services.
func (m *Manager) Configure(ctx context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if !s.Enabled {
		m.stopLocked()
		return nil
	}

	s, code, err := validate(s)
	if err != nil {
		return err
	}

	if cur := m.current; cur != nil {
		old := cur.settings
		if old.Model == s.Model && old.Name == s.Name && old.AccessCode == s.AccessCode {
			if old.Mode != s.Mode {
				if err := m.setMode(ctx, s.Mode); err != nil {
					return err
				}
				m.logger.Info("virtual printer mode changed", "mode", s.Mode)
			}
			cur.settings = s
			return nil
		}
		m.logger.Info("virtual printer settings changed, restarting", "model", s.Model)
		m.stopLocked()
	}

	if err := m.setMode(ctx, s.Mode); err != nil {
		return err
	}
	return m.startLocked(s, code)
}

func (m *Manager) setMode(ctx context.Context, mode Mode) error {
	return m.call(ctx, func(st *actorState) { st.mode = mode })
}

// Settings returns the active settings; Enabled is false when stopped.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Settings{}
	}
	return m.current.settings
}

func (m *Manager) startLocked(s Settings, modelCode string) error {
	cert, err := LoadOrCreateCertificate(m.cfg.CertDir, VirtualSerial)
	if err != nil {
		return fmt.Errorf("virtual printer certificate: %w", err)
	}
	tlsCfg := serverTLSConfig(cert)

	address := m.cfg.Address
	if address == "" {
		if address, err = ssdp.LocalIPv4(); err != nil {
			m.logger.Warn("cannot detect LAN address for SSDP", "err", err)
		}
	}

	ftpSrv := NewFTPServer(FTPConfig{
		Addr:           net.JoinHostPort(m.cfg.Bind, strconv.Itoa(m.cfg.FTPPort)),
		AccessCode:     s.AccessCode,
		UploadDir:      m.cfg.UploadDir,
		TLS:            tlsCfg,
		DataTimeout:    m.cfg.DataTimeout,
		OnFileReceived: m.fileReceived,
	}, m.logger)
	cmdSrv := NewCommandServer(CommandConfig{
		Addr:           net.JoinHostPort(m.cfg.Bind, strconv.Itoa(m.cfg.MQTTPort)),
		Serial:         VirtualSerial,
		AccessCode:     s.AccessCode,
		TLS:            tlsCfg,
		OnPrintCommand: m.printCommand,
	}, m.logger)
	ssdpSrv := ssdp.NewResponder(responderConfig(s, modelCode, address, m.cfg), m.logger)

	ctx, cancel := context.WithCancel(m.baseCtx)
	inst := &instance{settings: s, cancel: cancel, done: make(chan struct{})}

	// No WithContext: one service failing must not stop its siblings.
	var g errgroup.Group
	g.Go(m.supervise(ctx, ServiceFTP, ftpSrv.Listen, ftpSrv.Serve, ftpSrv.Addr))
	g.Go(m.supervise(ctx, ServiceCommand, cmdSrv.Listen, cmdSrv.Serve, cmdSrv.Addr))
	g.Go(m.supervise(ctx, ServiceSSDP, ssdpSrv.Listen, ssdpSrv.Serve, func() net.Addr {
		return &net.UDPAddr{IP: net.ParseIP(m.cfg.Bind), Port: ssdpSrv.LocalPort()}
	}))
	go func() {
		defer close(inst.done)
		if err := g.Wait(); err != nil {
			m.logger.Warn("virtual printer service ended with error", "err", err)
		}
	}()

	m.current = inst
	m.logger.Info("virtual printer enabled", "model", s.Model, "code", modelCode, "mode", s.Mode, "name", s.Name)
	return nil
}

func responderConfig(s Settings, modelCode, address string, cfg Config) ssdp.ResponderConfig {
	return ssdp.ResponderConfig{
		Device: ssdp.Device{
			Name:    s.Name,
			Model:   modelCode,
			Serial:  VirtualSerial,
			Address: address,
		},
		Group: cfg.SSDPGroup,
		Port:  cfg.SSDPPort,
	}
}

// supervise wraps one service: a bind failure marks only that service
// failed; a panic is recovered and reported the same way.
func (m *Manager) supervise(ctx context.Context, name string, listen func() error, serve func(context.Context) error, addr func() net.Addr) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panic: %v", name, r)
				m.logger.Error("virtual printer service panic", "service", name, "panic", r)
				m.setStatus(ServiceState{Name: name, State: "failed", Error: err.Error()})
			}
		}()

		m.setStatus(ServiceState{Name: name, State: "starting"})
		if err := listen(); err != nil {
			m.logger.Error("virtual printer service failed to start", "service", name, "err", err)
			m.setStatus(ServiceState{Name: name, State: "failed", Error: err.Error()})
			return fmt.Errorf("%s: %w", name, err)
		}
		bound := ""
		if a := addr(); a != nil {
			bound = a.String()
		}
		m.setStatus(ServiceState{Name: name, State: "running", Addr: bound})

		if err := serve(ctx); err != nil {
			m.logger.Error("virtual printer service stopped", "service", name, "err", err)
			m.setStatus(ServiceState{Name: name, State: "failed", Addr: bound, Error: err.Error()})
			return fmt.Errorf("%s: %w", name, err)
		}
		m.setStatus(ServiceState{Name: name, State: "stopped"})
		return nil
	}
}

func (m *Manager) setStatus(s ServiceState) {
	m.statusMu.Lock()
	m.status[s.Name] = s
	m.statusMu.Unlock()
}

// ServiceStatus reports each service's state.
func (m *Manager) ServiceStatus() map[string]ServiceState {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	out := make(map[string]ServiceState, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}

// Stop shuts every service down and waits for sockets to be released,
// warning once StopTimeout has passed.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	inst := m.current
	if inst == nil {
		return
	}
	m.current = nil
	inst.cancel()
	select {
	case <-inst.done:
		m.logger.Info("virtual printer stopped")
	case <-time.After(m.cfg.StopTimeout):
		// Sockets must be released before anything binds them again.
		m.logger.Warn("virtual printer stop slow, still waiting", "timeout", m.cfg.StopTimeout)
		<-inst.done
		m.logger.Info("virtual printer stopped")
	}
}

// Close stops the services and the upload actor.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stopLocked()
	m.baseCancel()
	<-m.actorDone
}

func (m *Manager) fileReceived(path, peer string) {
	if !m.submit(func(st *actorState) { m.handleUpload(st, path, peer) }) {
		m.logger.Warn("upload dropped, manager closed", "path", path)
	}
}

func (m *Manager) printCommand(file, peer string) {
	m.submit(func(st *actorState) {
		for _, p := range st.pending {
			if filepath.Base(p.path) == file {
				m.logger.Info("print command matches upload", "file", file, "peer", peer, "uploaded_by", p.peer)
				return
			}
		}
		m.logger.Info("print command for file not pending", "file", file, "peer", peer)
	})
}

func (m *Manager) handleUpload(st *actorState, path, peer string) {
	name := filepath.Base(path)
	logger := m.logger.With("file", name, "peer", peer)

	if !archive.IsProjectFile(name) {
		logger.Info("discarding non-project upload")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove upload", "err", err)
		}
		return
	}

	switch st.mode {
	case ModeReview:
		m.queueReview(st, path, peer, logger)
	default:
		st.pending[path] = pendingUpload{path: path, peer: peer, at: time.Now()}
		m.archiveUpload(st, path, logger)
	}
}

// queueReview moves the upload into its own review directory and records a
// pending review for it.
func (m *Manager) queueReview(st *actorState, path, peer string, logger *slog.Logger) {
	name := filepath.Base(path)
	r := &store.Review{ID: uuid.NewString(), Filename: name, Peer: peer}
	dir := filepath.Join(m.cfg.UploadDir, reviewDir, r.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("create review dir", "err", err)
		return
	}
	r.Path = filepath.Join(dir, name)
	if err := os.Rename(path, r.Path); err != nil {
		logger.Error("move upload for review", "err", err)
		os.Remove(dir)
		return
	}
	if fi, err := os.Stat(r.Path); err == nil {
		r.Size = fi.Size()
	}
	if err := m.reviews.CreateReview(r); err != nil {
		logger.Error("create pending review", "err", err)
		return
	}
	st.pending[r.Path] = pendingUpload{path: r.Path, peer: peer, at: time.Now(), reviewID: r.ID}
	logger.Info("upload queued for review", "review", r.ID)
	m.emit(fleet.EventReviewCreated, fleet.ReviewEvent{ReviewID: r.ID, Filename: name, Peer: peer})
}

// removeUpload deletes a local upload and, for reviewed files, the review
// directory holding it.
func (m *Manager) removeUpload(p pendingUpload) error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if dir := filepath.Dir(p.path); p.reviewID != "" && filepath.Base(dir) == p.reviewID {
		os.Remove(dir)
	}
	return nil
}

// archiveUpload archives a pending upload and deletes the local copy on
// success. On failure the file stays pending.
func (m *Manager) archiveUpload(st *actorState, key string, logger *slog.Logger) (string, error) {
	p := st.pending[key]
	id, err := m.archiver.Archive(m.baseCtx, p.path)
	if err != nil {
		logger.Error("archive upload", "err", err)
		return "", err
	}
	if err := m.removeUpload(p); err != nil {
		logger.Warn("remove archived upload", "err", err)
	}
	delete(st.pending, key)
	m.emit(fleet.EventFileArchived, fleet.ArchiveEvent{ArchiveID: id, Filename: filepath.Base(p.path), Source: "virtual"})
	return id, nil
}

// ResolveReview approves (archive, then delete local copy) or rejects
// (delete local copy) a pending review.
func (m *Manager) ResolveReview(ctx context.Context, id string, approve bool) (string, error) {
	var archiveID string
	var opErr error
	err := m.call(ctx, func(st *actorState) {
		r, err := m.reviews.GetReview(id)
		if err != nil {
			opErr = err
			return
		}
		if r.Status != store.ReviewPending {
			opErr = fmt.Errorf("review %s already %s", id, r.Status)
			return
		}
		logger := m.logger.With("file", r.Filename, "review", id)
		p, ok := st.pending[r.Path]
		if !ok {
			// Queued before a restart.
			p = pendingUpload{path: r.Path, peer: r.Peer, reviewID: id, at: r.CreatedAt}
			st.pending[r.Path] = p
		}

		status := store.ReviewRejected
		if approve {
			if archiveID, opErr = m.archiveUpload(st, r.Path, logger); opErr != nil {
				return
			}
			status = store.ReviewApproved
		} else {
			if err := m.removeUpload(p); err != nil {
				logger.Warn("remove rejected upload", "err", err)
			}
			delete(st.pending, r.Path)
		}
		if _, err := m.reviews.ResolveReview(id, status, archiveID); err != nil {
			opErr = err
			return
		}
		logger.Info("review resolved", "status", status, "archive", archiveID)
	})
	if err != nil {
		return "", err
	}
	return archiveID, opErr
}

// PendingUploads lists file names awaiting archival or review.
func (m *Manager) PendingUploads(ctx context.Context) ([]string, error) {
	var names []string
	err := m.call(ctx, func(st *actorState) {
		for _, p := range st.pending {
			names = append(names, filepath.Base(p.path))
		}
	})
	return names, err
}

func (m *Manager) emit(typ string, data any) {
	if m.events == nil {
		return
	}
	m.events.Emit(fleet.Event{Type: typ, Data: data})
}
