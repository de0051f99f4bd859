// Package ftps talks implicit FTPS (TLS from the first byte, port 990) to a
// printer's SD card. Connections are short-lived: connect, do one job, quit.
package ftps

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"
)

const (
	// Username is the fixed LAN-mode account.
	Username = "bblp"
	// DefaultPort is the printer's implicit FTPS port.
	DefaultPort = 990
)

var (
	ErrNotConnected = errors.New("ftps: not connected")
	ErrNoCandidate  = errors.New("ftps: none of the candidate paths could be downloaded")
)

// Remote directories differ between firmware generations; try in order.
var (
	TimelapseDirs = []string{"/timelapse", "/sdcard/timelapse", "/mnt/sdcard/timelapse"}
	ProjectDirs   = []string{"/", "/cache", "/model", "/sdcard"}
)

// Config describes one printer's file store.
type Config struct {
	Host       string
	Port       int
	AccessCode string
	Timeout    time.Duration
}

// FileInfo is one directory entry.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// session is the subset of *ftp.ServerConn the client uses.
type session interface {
	List(path string) ([]*ftp.Entry, error)
	Retrieve(path string) (io.ReadCloser, error)
	Stor(path string, r io.Reader) error
	Delete(path string) error
	FileSize(path string) (int64, error)
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (s serverConn) Retrieve(path string) (io.ReadCloser, error) {
	resp, err := s.Retr(path)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Client is a single implicit-FTPS connection. Not safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context) (session, error)
	conn   session
}

// NewClient returns an unconnected client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "ftps", "host", cfg.Host),
	}
	c.dial = c.dialTLS
	return c
}

// tlsConfig disables verification (self-signed printer certificates) and
// pins ServerName so the session cache key is the same for the control and
// the passive data connections. Some printer firmware refuses data channels
// that do not resume the control channel's TLS session.
func (c *Client) tlsConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec
		ServerName:         c.cfg.Host,
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
	}
}

func (c *Client) dialTLS(ctx context.Context) (session, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(c.cfg.Timeout),
		ftp.DialWithTLS(c.tlsConfig()),
		ftp.DialWithDisabledEPSV(true),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	// Login also switches the data channel to protected mode (PBSZ 0, PROT P).
	if err := conn.Login(Username, c.cfg.AccessCode); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("login: %w", err)
	}
	return serverConn{conn}, nil
}

// Connect opens and authenticates the connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("FTPS connect failed", "err", err)
		return err
	}
	c.conn = conn
	return nil
}

// Close quits the session. Safe to call when not connected.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Quit(); err != nil {
		c.logger.Debug("FTPS quit", "err", err)
	}
	c.conn = nil
}

// ListFiles lists one remote directory.
func (c *Client) ListFiles(dir string) ([]FileInfo, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	entries, err := c.conn.List(dir)
	if err != nil {
		c.logger.Warn("FTPS list failed", "path", dir, "err", err)
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, FileInfo{
			Name:    e.Name,
			Size:    int64(e.Size),
			IsDir:   e.Type == ftp.EntryTypeFolder,
			ModTime: e.Time,
		})
	}
	return out, nil
}

// Download reads a whole remote file into memory.
func (c *Client) Download(remote string) ([]byte, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	r, err := c.conn.Retrieve(remote)
	if err != nil {
		return nil, fmt.Errorf("retr %s: %w", remote, err)
	}
	data, err := io.ReadAll(r)
	// Close reads the final transfer reply; an abort only shows up here.
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		c.logger.Warn("FTPS download failed", "path", remote, "err", err)
		return nil, fmt.Errorf("read %s: %w", remote, err)
	}
	return data, nil
}

// DownloadToFile streams a remote file to local. The file is written to a
// temporary sibling and renamed on success, so a failed transfer leaves
// nothing behind.
func (c *Client) DownloadToFile(remote, local string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	r, err := c.conn.Retrieve(remote)
	if err != nil {
		return fmt.Errorf("retr %s: %w", remote, err)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		r.Close()
		return fmt.Errorf("create local dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".part-*")
	if err != nil {
		r.Close()
		return fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, r)
	// A 426/451 from the server surfaces from the body's Close.
	if err := r.Close(); copyErr == nil {
		copyErr = err
	}
	if err := tmp.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		os.Remove(tmp.Name())
		c.logger.Warn("FTPS download failed", "path", remote, "bytes", n, "err", copyErr)
		return fmt.Errorf("download %s: %w", remote, copyErr)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename download: %w", err)
	}
	c.logger.Debug("FTPS downloaded", "path", remote, "local", local, "bytes", n)
	return nil
}

// DownloadTryPaths tries each candidate over the current connection and
// stops at the first that downloads. It returns the path that worked.
func (c *Client) DownloadTryPaths(candidates []string, local string) (string, error) {
	if c.conn == nil {
		return "", ErrNotConnected
	}
	for _, p := range candidates {
		if err := c.DownloadToFile(p, local); err != nil {
			c.logger.Debug("candidate path failed", "path", p, "err", err)
			continue
		}
		return p, nil
	}
	return "", ErrNoCandidate
}

// Upload sends a local file to remote.
func (c *Client) Upload(local, remote string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer f.Close()
	if err := c.conn.Stor(remote, f); err != nil {
		c.logger.Warn("FTPS upload failed", "path", remote, "err", err)
		return fmt.Errorf("stor %s: %w", remote, err)
	}
	return nil
}

// Delete removes a remote file.
func (c *Client) Delete(remote string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.Delete(remote); err != nil {
		c.logger.Warn("FTPS delete failed", "path", remote, "err", err)
		return fmt.Errorf("dele %s: %w", remote, err)
	}
	return nil
}

// FileSize returns the remote size in bytes.
func (c *Client) FileSize(remote string) (int64, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	n, err := c.conn.FileSize(remote)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", remote, err)
	}
	return n, nil
}
