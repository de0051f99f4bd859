package virtual

import (
	"bufio"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// CommandConfig configures the emulated MQTT endpoint slicers send print
// commands to.
type CommandConfig struct {
	Addr       string
	Serial     string
	AccessCode string
	TLS        *tls.Config

	// OnPrintCommand is called for every project_file request.
	OnPrintCommand func(filename, peer string)
}

// CommandServer implements just enough MQTT 3.1.1 for one client per
// connection to authenticate, subscribe to its report topic and publish
// requests. It is not a broker: nothing is routed between connections.
type CommandServer struct {
	tracker
	cfg    CommandConfig
	logger *slog.Logger
	seq    atomic.Uint64
}

func NewCommandServer(cfg CommandConfig, logger *slog.Logger) *CommandServer {
	return &CommandServer{
		cfg:    cfg,
		logger: logger.With("component", "virtual-mqtt", "serial", cfg.Serial),
	}
}

// Listen binds the TLS listener.
func (s *CommandServer) Listen() error {
	if s.cfg.TLS == nil {
		return errors.New("command server: no TLS config")
	}
	l, err := tls.Listen("tcp", s.cfg.Addr, s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.setListener(l)
	s.logger.Info("command server listening", "addr", l.Addr().String())
	return nil
}

// Serve handles connections until ctx is cancelled.
func (s *CommandServer) Serve(ctx context.Context) error {
	return s.serve(ctx, s.logger, s.handle)
}

func (s *CommandServer) reportTopic() string  { return "device/" + s.cfg.Serial + "/report" }
func (s *CommandServer) requestTopic() string { return "device/" + s.cfg.Serial + "/request" }

func (s *CommandServer) handle(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	logger := s.logger.With("peer", peer)
	r := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	first, err := packets.ReadPacket(r)
	if err != nil {
		logger.Debug("read CONNECT", "err", err)
		return
	}
	connect, ok := first.(*packets.ConnectPacket)
	if !ok {
		logger.Warn("first packet is not CONNECT", "packet", first.String())
		return
	}
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = s.authenticate(connect)
	if err := ack.Write(conn); err != nil || ack.ReturnCode != packets.Accepted {
		if ack.ReturnCode != packets.Accepted {
			logger.Warn("MQTT authentication failed", "client_id", connect.ClientIdentifier, "code", ack.ReturnCode)
		}
		return
	}
	logger.Info("MQTT client connected", "client_id", connect.ClientIdentifier)

	keepalive := time.Duration(connect.Keepalive) * time.Second
	for ctx.Err() == nil {
		if keepalive > 0 {
			conn.SetReadDeadline(time.Now().Add(keepalive * 3 / 2))
		} else {
			conn.SetReadDeadline(time.Time{})
		}
		cp, err := packets.ReadPacket(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Debug("MQTT read", "err", err)
			}
			return
		}
		if !s.dispatch(conn, cp, peer, logger) {
			return
		}
	}
}

func (s *CommandServer) authenticate(c *packets.ConnectPacket) byte {
	if rc := c.Validate(); rc != packets.Accepted {
		return rc
	}
	if !c.UsernameFlag || c.Username != "bblp" || !c.PasswordFlag {
		return packets.ErrRefusedNotAuthorised
	}
	if subtle.ConstantTimeCompare(c.Password, []byte(s.cfg.AccessCode)) != 1 {
		return packets.ErrRefusedBadUsernameOrPassword
	}
	return packets.Accepted
}

// dispatch handles one packet. It returns false when the connection should
// close.
func (s *CommandServer) dispatch(w io.Writer, cp packets.ControlPacket, peer string, logger *slog.Logger) bool {
	switch p := cp.(type) {
	case *packets.SubscribePacket:
		ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		ack.MessageID = p.MessageID
		for _, q := range p.Qoss {
			if q > 1 {
				q = 1
			}
			ack.ReturnCodes = append(ack.ReturnCodes, q)
		}
		if err := ack.Write(w); err != nil {
			return false
		}
		logger.Debug("MQTT subscribe", "topics", p.Topics)
		return s.publishReport(w, s.statusReport("")) == nil

	case *packets.UnsubscribePacket:
		ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
		ack.MessageID = p.MessageID
		return ack.Write(w) == nil

	case *packets.PublishPacket:
		if p.Qos == 1 {
			ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
			ack.MessageID = p.MessageID
			if err := ack.Write(w); err != nil {
				return false
			}
		}
		if p.TopicName != s.requestTopic() {
			logger.Debug("publish on unexpected topic", "topic", p.TopicName)
			return true
		}
		return s.handleRequest(w, p.Payload, peer, logger)

	case *packets.PingreqPacket:
		return packets.NewControlPacket(packets.Pingresp).Write(w) == nil

	case *packets.DisconnectPacket:
		logger.Debug("MQTT client disconnected")
		return false

	default:
		logger.Debug("ignoring MQTT packet", "packet", cp.String())
		return true
	}
}

type requestEnvelope struct {
	Print   map[string]any `json:"print"`
	Pushing map[string]any `json:"pushing"`
}

func (s *CommandServer) handleRequest(w io.Writer, payload []byte, peer string, logger *slog.Logger) bool {
	var req requestEnvelope
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Warn("dropping malformed request", "err", err)
		return true
	}
	if req.Pushing != nil {
		if cmd, _ := req.Pushing["command"].(string); cmd == "pushall" {
			return s.publishReport(w, s.statusReport(seqOf(req.Pushing))) == nil
		}
	}
	if req.Print == nil {
		return true
	}
	cmd, _ := req.Print["command"].(string)
	switch cmd {
	case "push_status", "pushall":
		return s.publishReport(w, s.statusReport(seqOf(req.Print))) == nil
	case "project_file":
		file, _ := req.Print["subtask_name"].(string)
		if url, _ := req.Print["url"].(string); url != "" {
			file = path.Base(url)
		}
		logger.Info("print command received", "file", file)
		s.printCommand(file, peer)
		ack := map[string]any{"print": map[string]any{
			"command":      "project_file",
			"sequence_id":  seqOf(req.Print),
			"param":        req.Print["param"],
			"subtask_name": req.Print["subtask_name"],
			"result":       "success",
		}}
		return s.publishReport(w, ack) == nil
	default:
		logger.Debug("ignoring command", "cmd", cmd)
		return true
	}
}

func (s *CommandServer) printCommand(file, peer string) {
	if s.cfg.OnPrintCommand == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("print-command callback panic", "peer", peer, "panic", r)
		}
	}()
	s.cfg.OnPrintCommand(file, peer)
}

// statusReport is the idle printer a slicer expects to see before it
// uploads.
func (s *CommandServer) statusReport(seq string) map[string]any {
	if seq == "" {
		seq = strconv.FormatUint(s.seq.Add(1), 10)
	}
	return map[string]any{"print": map[string]any{
		"command":              "push_status",
		"msg":                  0,
		"sequence_id":          seq,
		"gcode_state":          "IDLE",
		"mc_percent":           0,
		"mc_remaining_time":    0,
		"layer_num":            0,
		"total_layer_num":      0,
		"nozzle_temper":        25.0,
		"nozzle_target_temper": 0.0,
		"bed_temper":           25.0,
		"bed_target_temper":    0.0,
		"chamber_temper":       25.0,
		"gcode_file":           "",
		"subtask_name":         "",
		"hms":                  []any{},
		"sdcard":               true,
		"wifi_signal":          "-44dBm",
	}}
}

func (s *CommandServer) publishReport(w io.Writer, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = s.reportTopic()
	pub.Payload = payload
	return pub.Write(w)
}

func seqOf(m map[string]any) string {
	switch v := m["sequence_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}
