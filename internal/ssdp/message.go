// Package ssdp speaks the vendor's SSDP dialect: a non-standard port, the
// Bambu device URN and a set of DevXxx.bambu.com headers.
package ssdp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
)

const (
	DefaultGroup = "239.255.255.250"
	DefaultPort  = 2021

	// DeviceURN is the NT/ST value printers announce with.
	DeviceURN = "urn:bambulab-com:device:3dprinter:1"

	// VirtualSerialSuffix marks serials of emulated printers so scanners
	// never report them as real hardware.
	VirtualSerialSuffix = "391800001"
)

const (
	MethodNotify   = "NOTIFY"
	MethodSearch   = "M-SEARCH"
	MethodResponse = "RESPONSE"
)

var ErrMalformed = errors.New("ssdp: malformed message")

// IsVirtualSerial reports whether serial belongs to an emulated printer.
func IsVirtualSerial(serial string) bool {
	return strings.HasSuffix(serial, VirtualSerialSuffix)
}

// Message is one parsed SSDP datagram.
type Message struct {
	Method string
	Header textproto.MIMEHeader
}

// Get returns a header value, case-insensitively.
func (m Message) Get(key string) string {
	return m.Header.Get(key)
}

// ParseMessage parses a NOTIFY, M-SEARCH or HTTP response datagram.
func ParseMessage(data []byte) (Message, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))
	start, err := r.ReadLine()
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var m Message
	switch {
	case strings.HasPrefix(start, "NOTIFY "):
		m.Method = MethodNotify
	case strings.HasPrefix(start, "M-SEARCH "):
		m.Method = MethodSearch
	case strings.HasPrefix(start, "HTTP/1.1 200"):
		m.Method = MethodResponse
	default:
		return Message{}, fmt.Errorf("%w: start line %q", ErrMalformed, start)
	}
	hdr, err := r.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m.Header = hdr
	return m, nil
}

// Device is what an announcement describes.
type Device struct {
	Name    string
	Model   string // vendor model code, e.g. C12
	Serial  string
	Address string // IPv4 address the printer is reachable on
	Version string
}

func writeDeviceHeaders(b *strings.Builder, d Device) {
	version := d.Version
	if version == "" {
		version = "01.07.00.00"
	}
	fmt.Fprintf(b, "Location: %s\r\n", d.Address)
	fmt.Fprintf(b, "USN: %s\r\n", d.Serial)
	b.WriteString("Cache-Control: max-age=1800\r\n")
	fmt.Fprintf(b, "DevModel.bambu.com: %s\r\n", d.Model)
	fmt.Fprintf(b, "DevName.bambu.com: %s\r\n", d.Name)
	b.WriteString("DevSignal.bambu.com: -44\r\n")
	b.WriteString("DevConnect.bambu.com: lan\r\n")
	b.WriteString("DevBind.bambu.com: free\r\n")
	b.WriteString("Devseclink.bambu.com: secure\r\n")
	fmt.Fprintf(b, "DevVersion.bambu.com: %s\r\n", version)
	b.WriteString("DevCap.bambu.com: 1\r\n")
}

// NotifyPayload builds an unsolicited alive announcement.
func NotifyPayload(d Device, group string, port int) []byte {
	var b strings.Builder
	b.WriteString("NOTIFY * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "HOST: %s:%d\r\n", group, port)
	b.WriteString("Server: UPnP/1.0\r\n")
	fmt.Fprintf(&b, "NT: %s\r\n", DeviceURN)
	b.WriteString("NTS: ssdp:alive\r\n")
	writeDeviceHeaders(&b, d)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// ResponsePayload builds the unicast answer to an M-SEARCH.
func ResponsePayload(d Device) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("Server: UPnP/1.0\r\n")
	fmt.Fprintf(&b, "ST: %s\r\n", DeviceURN)
	writeDeviceHeaders(&b, d)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// SearchPayload builds an M-SEARCH for Bambu printers.
func SearchPayload(group string, port int) []byte {
	return []byte(fmt.Sprintf("M-SEARCH * HTTP/1.1\r\nHOST: %s:%d\r\nMAN: \"ssdp:discover\"\r\nMX: 3\r\nST: %s\r\n\r\n",
		group, port, DeviceURN))
}

// DeviceFromMessage extracts the device fields from an announcement or
// response. ok is false when the message is not about a Bambu printer.
func DeviceFromMessage(m Message) (Device, bool) {
	target := m.Get("NT")
	if m.Method != MethodNotify {
		target = m.Get("ST")
	}
	if target != DeviceURN {
		return Device{}, false
	}
	d := Device{
		Name:    m.Get("DevName.bambu.com"),
		Model:   m.Get("DevModel.bambu.com"),
		Serial:  m.Get("USN"),
		Address: m.Get("Location"),
		Version: m.Get("DevVersion.bambu.com"),
	}
	if d.Serial == "" {
		return Device{}, false
	}
	return d, true
}

// isSearchForUs reports whether an M-SEARCH targets Bambu printers.
func isSearchForUs(m Message) bool {
	st := m.Get("ST")
	return st == DeviceURN || st == "ssdp:all"
}
