package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"bambu-farm/internal/archive"
	"bambu-farm/internal/ftps"
	"bambu-farm/internal/mqtt"
	"bambu-farm/internal/printer"
	"bambu-farm/internal/ssdp"
	"bambu-farm/internal/store"
)

var (
	ErrUnknownPrinter = errors.New("fleet: unknown printer")
	ErrDuplicate      = errors.New("fleet: printer already added")
)

// PrinterStore is the part of the store the fleet reads and updates.
type PrinterStore interface {
	ListPrinters() ([]*store.Printer, error)
	UpdatePrinter(id string, fn func(p *store.Printer) error) error
}

// FileArchiver ingests files pulled from printers.
type FileArchiver interface {
	ArchiveFrom(ctx context.Context, sourcePath string, src archive.Source) (string, error)
}

// Config tunes the fleet.
type Config struct {
	MQTT        mqtt.Options
	FTPSPort    int
	FTPSTimeout time.Duration
	FTPSWorkers int

	// TempDir receives files pulled over FTPS before they are archived.
	TempDir string

	// ArchivePrints pulls the project file of every started print into the
	// archive. ArchiveTimelapses pulls the newest timelapse after a
	// successful print.
	ArchivePrints     bool
	ArchiveTimelapses bool
}

// PrinterInfo is a snapshot of one managed printer.
type PrinterInfo struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Host   string          `json:"host"`
	Serial string          `json:"serial"`
	Model  string          `json:"model,omitempty"`
	Status *printer.Status `json:"status"`
}

// Manager owns one MQTT client per printer and turns their callbacks into
// bus events.
type Manager struct {
	cfg      Config
	store    PrinterStore
	archiver FileArchiver
	events   *EventBus
	pool     *ftps.Pool
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*mqtt.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an empty fleet. Start loads the stored printers.
func NewManager(cfg Config, st PrinterStore, archiver FileArchiver, events *EventBus, logger *slog.Logger) *Manager {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		store:    st,
		archiver: archiver,
		events:   events,
		pool:     ftps.NewPool(cfg.FTPSWorkers, logger),
		logger:   logger.With("component", "fleet"),
		clients:  make(map[string]*mqtt.Client),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start connects every stored printer in the background.
func (m *Manager) Start() error {
	printers, err := m.store.ListPrinters()
	if err != nil {
		return fmt.Errorf("list printers: %w", err)
	}
	for _, p := range printers {
		if err := m.Add(p); err != nil {
			m.logger.Warn("skipping printer", "printer", p.ID, "err", err)
		}
	}
	m.logger.Info("fleet started", "printers", len(printers))
	return nil
}

// Add starts managing p. The connection is made in the background with
// backoff; Add does not wait for it.
func (m *Manager) Add(p *store.Printer) error {
	if p.ID == "" || p.Host == "" || p.Serial == "" {
		return fmt.Errorf("printer %q: id, host and serial are required", p.ID)
	}
	m.mu.Lock()
	if _, ok := m.clients[p.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	c := mqtt.NewClient(mqtt.Target{
		ID:         p.ID,
		Name:       p.Name,
		Host:       p.Host,
		Serial:     p.Serial,
		AccessCode: p.AccessCode,
		Model:      p.Model,
	}, m.cfg.MQTT, m.logger)
	m.clients[p.ID] = c
	m.mu.Unlock()

	c.OnLifecycle(m.handleLifecycle)
	c.OnConnectionChange(func(up bool) { m.handleConnection(c.Target(), up) })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.Run(m.ctx)
	}()
	return nil
}

// Remove disconnects and forgets a printer.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	c, ok := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrinter, id)
	}
	c.Close()
	t := c.Target()
	m.events.Emit(Event{Type: EventPrinterRemoved, Data: ConnectionEvent{PrinterID: t.ID, Serial: t.Serial, Host: t.Host}})
	return nil
}

// Printer returns the client for id.
func (m *Manager) Printer(id string) (*mqtt.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// Status returns a copy of the printer's last-known state.
func (m *Manager) Status(id string) (*printer.Status, bool) {
	c, ok := m.Printer(id)
	if !ok {
		return nil, false
	}
	return c.Status(), true
}

// List returns every managed printer sorted by id.
func (m *Manager) List() []PrinterInfo {
	m.mu.RLock()
	out := make([]PrinterInfo, 0, len(m.clients))
	for _, c := range m.clients {
		t := c.Target()
		out = append(out, PrinterInfo{
			ID:     t.ID,
			Name:   t.Name,
			Host:   t.Host,
			Serial: t.Serial,
			Model:  t.Model,
			Status: c.Status(),
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) command(id string, send func(c *mqtt.Client) bool) error {
	c, ok := m.Printer(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrinter, id)
	}
	if !send(c) {
		return fmt.Errorf("printer %s: %w", id, mqtt.ErrNotConnected)
	}
	return nil
}

// StopPrint cancels the running job.
func (m *Manager) StopPrint(id string) error {
	return m.command(id, (*mqtt.Client).StopPrint)
}

// PausePrint pauses the running job.
func (m *Manager) PausePrint(id string) error {
	return m.command(id, (*mqtt.Client).PausePrint)
}

// ResumePrint resumes a paused job.
func (m *Manager) ResumePrint(id string) error {
	return m.command(id, (*mqtt.Client).ResumePrint)
}

// StartPrint prints plate of a file already on the printer's storage.
func (m *Manager) StartPrint(id, filename string, plate int, opts mqtt.PrintOptions) error {
	return m.command(id, func(c *mqtt.Client) bool { return c.StartPrint(filename, plate, opts) })
}

func (m *Manager) ftpsConfig(id string) (ftps.Config, error) {
	c, ok := m.Printer(id)
	if !ok {
		return ftps.Config{}, fmt.Errorf("%w: %s", ErrUnknownPrinter, id)
	}
	t := c.Target()
	return ftps.Config{
		Host:       t.Host,
		Port:       m.cfg.FTPSPort,
		AccessCode: t.AccessCode,
		Timeout:    m.cfg.FTPSTimeout,
	}, nil
}

// ListFiles lists a directory on the printer's storage.
func (m *Manager) ListFiles(ctx context.Context, id, dir string) ([]ftps.FileInfo, error) {
	cfg, err := m.ftpsConfig(id)
	if err != nil {
		return nil, err
	}
	var files []ftps.FileInfo
	err = m.pool.WithSession(ctx, cfg, func(c *ftps.Client) error {
		list, err := c.ListFiles(dir)
		files = list
		return err
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// UploadFile stores a local file on the printer.
func (m *Manager) UploadFile(ctx context.Context, id, local, remote string) error {
	cfg, err := m.ftpsConfig(id)
	if err != nil {
		return err
	}
	return m.pool.WithSession(ctx, cfg, func(c *ftps.Client) error {
		return c.Upload(local, remote)
	})
}

// LatestTimelapse returns the newest video in any timelapse directory.
func (m *Manager) LatestTimelapse(ctx context.Context, id string) (string, error) {
	cfg, err := m.ftpsConfig(id)
	if err != nil {
		return "", err
	}
	var (
		latest string
		newest time.Time
	)
	err = m.pool.WithSession(ctx, cfg, func(c *ftps.Client) error {
		for _, dir := range ftps.TimelapseDirs {
			files, err := c.ListFiles(dir)
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir || !isVideo(f.Name) {
					continue
				}
				if latest == "" || f.ModTime.After(newest) {
					latest, newest = f.Name, f.ModTime
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if latest == "" {
		return "", fmt.Errorf("printer %s: no timelapse found: %w", id, ftps.ErrNoCandidate)
	}
	return latest, nil
}

// DownloadTimelapse pulls a timelapse by name, trying each known directory,
// and archives it.
func (m *Manager) DownloadTimelapse(ctx context.Context, id, name string) (string, error) {
	return m.archiveRemote(ctx, id, candidates(ftps.TimelapseDirs, name), "timelapse")
}

// ArchivePrintFile pulls a project file from the printer's storage and
// archives it.
func (m *Manager) ArchivePrintFile(ctx context.Context, id, name string) (string, error) {
	return m.archiveRemote(ctx, id, candidates(ftps.ProjectDirs, name), "printer")
}

func (m *Manager) archiveRemote(ctx context.Context, id string, paths []string, kind string) (string, error) {
	cfg, err := m.ftpsConfig(id)
	if err != nil {
		return "", err
	}
	if m.archiver == nil {
		return "", errors.New("fleet: no archiver configured")
	}
	if len(paths) == 0 {
		return "", ftps.ErrNoCandidate
	}

	dir, err := os.MkdirTemp(m.cfg.TempDir, "bambu-pull-*")
	if err != nil {
		return "", fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	local := filepath.Join(dir, path.Base(paths[0]))

	var remote string
	err = m.pool.WithSession(ctx, cfg, func(c *ftps.Client) error {
		got, err := c.DownloadTryPaths(paths, local)
		remote = got
		return err
	})
	if err != nil {
		return "", fmt.Errorf("printer %s: %w", id, err)
	}

	archiveID, err := m.archiver.ArchiveFrom(ctx, local, archive.Source{Kind: kind, PrinterID: id})
	if err != nil {
		return "", err
	}
	m.logger.Info("pulled file from printer", "printer", id, "remote", remote, "archive", archiveID)
	m.events.Emit(Event{Type: EventFileArchived, Data: ArchiveEvent{
		ArchiveID: archiveID,
		Filename:  path.Base(remote),
		Source:    kind,
		PrinterID: id,
	}})
	return archiveID, nil
}

func candidates(dirs []string, name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if strings.HasPrefix(name, "/") {
		return []string{name}
	}
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, path.Join(d, name))
	}
	return out
}

func isVideo(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp4", ".avi":
		return true
	}
	return false
}

func (m *Manager) handleLifecycle(ev mqtt.LifecycleEvent) {
	typ := EventPrintStarted
	if ev.Kind == printer.TransitionCompleted {
		typ = EventPrintCompleted
	}
	m.events.Emit(Event{Type: typ, Data: PrintEvent{
		PrinterID: ev.PrinterID,
		Serial:    ev.Serial,
		File:      ev.File,
		Outcome:   ev.Outcome,
		Status:    ev.Status,
		Raw:       ev.Raw,
	}})

	switch {
	case ev.Kind == printer.TransitionStarted && m.cfg.ArchivePrints:
		m.background("archive print file", ev.PrinterID, func(ctx context.Context) error {
			_, err := m.ArchivePrintFile(ctx, ev.PrinterID, ev.File)
			return err
		})
	case ev.Kind == printer.TransitionCompleted && ev.Outcome == printer.OutcomeCompleted && m.cfg.ArchiveTimelapses:
		m.background("archive timelapse", ev.PrinterID, func(ctx context.Context) error {
			name, err := m.LatestTimelapse(ctx, ev.PrinterID)
			if err != nil {
				return err
			}
			_, err = m.DownloadTimelapse(ctx, ev.PrinterID, name)
			return err
		})
	}
}

// background runs fn off the client's receive loop; the fleet context
// bounds it.
func (m *Manager) background(what, id string, fn func(ctx context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Minute)
		defer cancel()
		if err := fn(ctx); err != nil && m.ctx.Err() == nil {
			m.logger.Warn(what+" failed", "printer", id, "err", err)
		}
	}()
}

func (m *Manager) handleConnection(t mqtt.Target, up bool) {
	typ := EventPrinterDisconnected
	if up {
		typ = EventPrinterConnected
		m.touch(t.ID, "")
	}
	m.events.Emit(Event{Type: typ, Data: ConnectionEvent{PrinterID: t.ID, Serial: t.Serial, Host: t.Host}})
}

// touch records that a printer was seen, optionally at a new address.
func (m *Manager) touch(id, host string) {
	if m.store == nil {
		return
	}
	err := m.store.UpdatePrinter(id, func(p *store.Printer) error {
		p.LastSeen = time.Now()
		if host != "" {
			p.Host = host
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("update printer last seen", "printer", id, "err", err)
	}
}

// HandleDiscovered records an SSDP sighting and emits printer_discovered.
// A known printer whose address changed is updated in the store; the live
// session keeps its old address until the printer is re-added.
func (m *Manager) HandleDiscovered(d ssdp.Discovered) {
	var (
		known bool
		id    string
		host  string
	)
	m.mu.RLock()
	for _, c := range m.clients {
		if t := c.Target(); t.Serial == d.Serial {
			known, id, host = true, t.ID, t.Host
			break
		}
	}
	m.mu.RUnlock()

	if known {
		newHost := ""
		if d.Address != "" && d.Address != host {
			m.logger.Info("printer address changed", "printer", id, "old", host, "new", d.Address)
			newHost = d.Address
		}
		m.touch(id, newHost)
	}
	m.events.Emit(Event{Type: EventPrinterDiscovered, Data: DiscoveryEvent{
		Serial:  d.Serial,
		Address: d.Address,
		Model:   d.Model,
		Name:    d.Name,
		Known:   known,
	}})
}

// Close disconnects every printer and waits for background work.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	clients := make([]*mqtt.Client, 0, len(m.clients))
	for id, c := range m.clients {
		clients = append(clients, c)
		delete(m.clients, id)
	}
	m.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	m.wg.Wait()
}
