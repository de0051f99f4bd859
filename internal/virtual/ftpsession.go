package virtual

import (
	"bufio"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	statePasswordExpected
	stateAuthenticated
	stateClosed
)

var errDataTimeout = errors.New("data connection timed out")

// session is one control connection. All fields are owned by the session
// goroutine; the passive accept goroutine only hands over through dataConn.
type session struct {
	ctx    context.Context
	srv    *FTPServer
	conn   net.Conn
	r      *bufio.Reader
	peer   string
	logger *slog.Logger

	state  sessionState
	binary bool
	cwd    string

	dataLn   net.Listener
	dataConn chan net.Conn
}

func newSession(ctx context.Context, srv *FTPServer, conn net.Conn) *session {
	peer := conn.RemoteAddr().String()
	return &session{
		ctx:    ctx,
		srv:    srv,
		conn:   conn,
		r:      bufio.NewReader(conn),
		peer:   peer,
		logger: srv.logger.With("peer", peer),
		cwd:    "/",
	}
}

func (s *session) run() {
	defer s.closeDataListener()
	s.logger.Debug("FTPS session opened")

	if !s.reply(220, "Bambu FTP server ready") {
		return
	}
	for s.state != stateClosed {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
		line, err := s.r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Debug("FTPS control read", "err", err)
			}
			return
		}
		cmd, arg := splitCommand(line)
		if cmd == "" {
			continue
		}
		s.dispatch(cmd, arg)
	}
	s.logger.Debug("FTPS session closed")
}

func splitCommand(line string) (string, string) {
	line = strings.TrimRight(line, "\r\n")
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(strings.TrimSpace(cmd)), strings.TrimSpace(arg)
}

func (s *session) reply(code int, msg string) bool {
	if _, err := fmt.Fprintf(s.conn, "%d %s\r\n", code, msg); err != nil {
		s.logger.Debug("FTPS write failed", "code", code, "err", err)
		s.state = stateClosed
		return false
	}
	return true
}

func (s *session) dispatch(cmd, arg string) {
	switch cmd {
	case "USER":
		s.cmdUser(arg)
		return
	case "PASS":
		s.cmdPass(arg)
		return
	case "QUIT":
		s.reply(221, "Goodbye")
		s.state = stateClosed
		return
	}

	if s.state != stateAuthenticated {
		s.reply(530, "Not logged in")
		return
	}

	switch cmd {
	case "SYST":
		s.reply(215, "UNIX Type: L8")
	case "FEAT":
		fmt.Fprint(s.conn, "211-Features:\r\n PASV\r\n EPSV\r\n SIZE\r\n PBSZ\r\n PROT\r\n UTF8\r\n211 End\r\n")
	case "PWD":
		s.reply(257, strconv.Quote(s.cwd)+" is the current directory")
	case "CWD":
		if arg != "" {
			s.cwd = arg
		}
		s.reply(250, "Directory changed")
	case "TYPE":
		s.binary = strings.EqualFold(arg, "I") || strings.EqualFold(arg, "L 8")
		s.reply(200, "Type set to "+arg)
	case "PASV":
		s.cmdPasv(false)
	case "EPSV":
		s.cmdPasv(true)
	case "STOR":
		s.cmdStor(arg)
	case "SIZE":
		s.cmdSize(arg)
	case "MKD":
		s.reply(257, strconv.Quote(arg)+" created")
	case "LIST", "NLST":
		s.cmdList()
	case "NOOP", "OPTS":
		s.reply(200, "OK")
	case "PBSZ":
		s.reply(200, "PBSZ=0")
	case "PROT":
		s.reply(200, "Protection level set")
	default:
		s.reply(502, "Command not implemented")
	}
}

func (s *session) cmdUser(arg string) {
	if arg != "bblp" {
		s.state = stateUnauthenticated
		s.reply(530, "Invalid user")
		return
	}
	s.state = statePasswordExpected
	s.reply(331, "Password required")
}

func (s *session) cmdPass(arg string) {
	if s.state != statePasswordExpected {
		s.reply(503, "Login with USER first")
		return
	}
	if subtle.ConstantTimeCompare([]byte(arg), []byte(s.srv.cfg.AccessCode)) != 1 {
		s.logger.Warn("FTPS authentication failed")
		s.reply(530, "Login incorrect")
		s.state = stateClosed
		return
	}
	s.state = stateAuthenticated
	s.logger.Info("FTPS client authenticated")
	s.reply(230, "Login successful")
}

// cmdPasv replaces the session's data listener with a fresh ephemeral TLS
// listener that accepts exactly one connection.
func (s *session) cmdPasv(extended bool) {
	if s.closeDataListener() {
		time.Sleep(passiveGrace)
	}

	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		s.reply(425, "Cannot open passive connection")
		return
	}
	ip := net.ParseIP(host)
	if !extended && (ip == nil || ip.To4() == nil) {
		s.reply(425, "Use EPSV")
		return
	}

	ln, err := tls.Listen("tcp", net.JoinHostPort(host, "0"), s.srv.cfg.TLS)
	if err != nil {
		s.logger.Warn("passive listen failed", "err", err)
		s.reply(425, "Cannot open passive connection")
		return
	}
	ch := make(chan net.Conn, 1)
	s.dataLn = ln
	s.dataConn = ch
	go func() {
		defer close(ch)
		c, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		if !s.srv.track(c) {
			c.Close()
			return
		}
		ch <- c
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	if extended {
		s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
		return
	}
	ip4 := ip.To4()
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip4[0], ip4[1], ip4[2], ip4[3], port>>8, port&0xFF))
}

// closeDataListener closes the current data listener and drops any data
// connection it accepted but nobody claimed. It reports whether a listener
// was open.
func (s *session) closeDataListener() bool {
	if s.dataLn == nil {
		return false
	}
	s.dataLn.Close()
	s.dropData(s.dataConn)
	s.dataLn = nil
	s.dataConn = nil
	return true
}

// awaitData waits for the passive data connection, bounded by DataTimeout.
func (s *session) awaitData() (net.Conn, error) {
	if s.dataConn == nil {
		return nil, errors.New("no passive listener")
	}
	ch := s.dataConn
	s.dataConn = nil
	defer func() { s.dataLn = nil }()

	timer := time.NewTimer(s.srv.cfg.DataTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-ch:
		if !ok {
			return nil, errors.New("passive listener closed")
		}
		return c, nil
	case <-timer.C:
		s.dataLn.Close()
		s.dropData(ch)
		return nil, errDataTimeout
	case <-s.ctx.Done():
		s.dataLn.Close()
		s.dropData(ch)
		return nil, s.ctx.Err()
	}
}

// dropData waits for the accept goroutine of a closed data listener to
// finish and closes whatever connection it still handed over.
func (s *session) dropData(ch <-chan net.Conn) {
	if c, ok := <-ch; ok {
		s.srv.untrack(c)
		c.Close()
	}
}

func (s *session) releaseData(c net.Conn) {
	s.srv.untrack(c)
	c.Close()
}

func (s *session) cmdStor(arg string) {
	name := sanitizeName(arg)
	if name == "" {
		s.reply(553, "Invalid file name")
		return
	}
	if !s.reply(150, "Ok to send data") {
		return
	}

	data, err := s.awaitData()
	if err != nil {
		s.logger.Warn("STOR without data connection", "file", name, "err", err)
		s.reply(425, "Can't open data connection")
		return
	}
	defer s.releaseData(data)

	if err := os.MkdirAll(s.srv.cfg.UploadDir, 0o755); err != nil {
		s.logger.Error("create upload dir", "dir", s.srv.cfg.UploadDir, "err", err)
		s.reply(451, "Local error")
		return
	}
	path := filepath.Join(s.srv.cfg.UploadDir, name)
	f, err := os.Create(path)
	if err != nil {
		s.logger.Error("create upload file", "path", path, "err", err)
		s.reply(451, "Local error")
		return
	}

	start := time.Now()
	n, copyErr := io.Copy(f, &deadlineReader{conn: data, timeout: s.srv.cfg.DataTimeout})
	if err := f.Close(); copyErr == nil {
		copyErr = err
	}

	if copyErr != nil {
		s.logger.Warn("upload interrupted", "file", name, "bytes", n, "err", copyErr)
		if n == 0 {
			os.Remove(path)
			s.reply(451, "Transfer aborted")
			return
		}
		s.reply(451, "Transfer aborted, partial file kept")
		s.srv.fileReceived(path, s.peer)
		return
	}

	s.logger.Info("upload received", "file", name, "bytes", n, "elapsed", time.Since(start).Round(time.Millisecond))
	s.reply(226, "Transfer complete")
	s.srv.fileReceived(path, s.peer)
}

func (s *session) cmdSize(arg string) {
	name := sanitizeName(arg)
	if name == "" {
		s.reply(550, "No such file")
		return
	}
	fi, err := os.Stat(filepath.Join(s.srv.cfg.UploadDir, name))
	if err != nil || fi.IsDir() {
		s.reply(550, "No such file")
		return
	}
	s.reply(213, strconv.FormatInt(fi.Size(), 10))
}

func (s *session) cmdList() {
	if !s.reply(150, "Here comes the directory listing") {
		return
	}
	data, err := s.awaitData()
	if err != nil {
		s.reply(425, "Can't open data connection")
		return
	}
	defer s.releaseData(data)

	entries, _ := os.ReadDir(s.srv.cfg.UploadDir)
	data.SetWriteDeadline(time.Now().Add(s.srv.cfg.DataTimeout))
	w := bufio.NewWriter(data)
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil || fi.IsDir() {
			continue
		}
		fmt.Fprintf(w, "-rw-r--r-- 1 bblp bblp %d %s %s\r\n",
			fi.Size(), fi.ModTime().Format("Jan 02 15:04"), fi.Name())
	}
	if err := w.Flush(); err != nil {
		s.reply(426, "Connection closed; transfer aborted")
		return
	}
	s.reply(226, "Directory send OK")
}

// sanitizeName strips directory components; the emulation presents a flat
// namespace.
func sanitizeName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	name := filepath.Base(p)
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}

// deadlineReader extends the read deadline before every Read so a stalled
// sender times out while a slow but moving one does not.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	return r.conn.Read(p)
}
