package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// STOMP commands used by the channel.
const (
	CommandConnect     = "CONNECT"
	CommandConnected   = "CONNECTED"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandMessage     = "MESSAGE"
	CommandReceipt     = "RECEIPT"
	CommandError       = "ERROR"
	CommandDisconnect  = "DISCONNECT"
)

var (
	// ErrHeartbeat is returned by DecodeFrame for a bare end-of-line heart-beat.
	ErrHeartbeat = errors.New("realtime: heart-beat")

	errMalformedFrame = errors.New("realtime: malformed frame")
)

// Frame is one STOMP 1.2 frame.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a frame from alternating header keys and values.
func NewFrame(command string, headerPairs ...string) Frame {
	headers := make(map[string]string, len(headerPairs)/2)
	for index := 0; index+1 < len(headerPairs); index += 2 {
		headers[headerPairs[index]] = headerPairs[index+1]
	}
	return Frame{Command: command, Headers: headers}
}

// Header returns a header value or the empty string.
func (f Frame) Header(name string) string {
	return f.Headers[name]
}

// Encode renders the frame including the trailing NUL octet. Headers are written in sorted
// order so encoding is deterministic.
func (f Frame) Encode() []byte {
	var buffer bytes.Buffer
	buffer.WriteString(f.Command)
	buffer.WriteByte('\n')
	keys := make([]string, 0, len(f.Headers))
	for key := range f.Headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	escape := f.Command != CommandConnect && f.Command != CommandConnected
	for _, key := range keys {
		value := f.Headers[key]
		if escape {
			key, value = escapeHeader(key), escapeHeader(value)
		}
		buffer.WriteString(key)
		buffer.WriteByte(':')
		buffer.WriteString(value)
		buffer.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		if _, present := f.Headers["content-length"]; !present {
			buffer.WriteString(fmt.Sprintf("content-length:%d\n", len(f.Body)))
		}
	}
	buffer.WriteByte('\n')
	buffer.Write(f.Body)
	buffer.WriteByte(0)
	return buffer.Bytes()
}

// DecodeFrame parses one frame. Repeated headers keep their first value.
func DecodeFrame(data []byte) (Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return Frame{}, ErrHeartbeat
	}
	headerEnd := bytes.Index(data, []byte("\n\n"))
	separator := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (headerEnd < 0 || crlf < headerEnd) {
		headerEnd, separator = crlf, 4
	}
	if headerEnd < 0 {
		return Frame{}, fmt.Errorf("%w: missing header terminator", errMalformedFrame)
	}

	lines := strings.Split(strings.ReplaceAll(string(data[:headerEnd]), "\r\n", "\n"), "\n")
	frame := Frame{Command: strings.TrimSpace(lines[0]), Headers: make(map[string]string, len(lines)-1)}
	if frame.Command == "" {
		return Frame{}, fmt.Errorf("%w: missing command", errMalformedFrame)
	}
	unescape := frame.Command != CommandConnect && frame.Command != CommandConnected
	for _, line := range lines[1:] {
		key, value, found := strings.Cut(line, ":")
		if !found {
			return Frame{}, fmt.Errorf("%w: header %q", errMalformedFrame, line)
		}
		if unescape {
			key, value = unescapeHeader(key), unescapeHeader(value)
		}
		if _, seen := frame.Headers[key]; !seen {
			frame.Headers[key] = value
		}
	}

	body := data[headerEnd+separator:]
	if terminator := bytes.IndexByte(body, 0); terminator >= 0 {
		body = body[:terminator]
	}
	if len(body) > 0 {
		frame.Body = append([]byte(nil), body...)
	}
	return frame, nil
}

var (
	headerEscaper   = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
	headerUnescaper = strings.NewReplacer("\\\\", "\\", "\\r", "\r", "\\n", "\n", "\\c", ":")
)

func escapeHeader(value string) string {
	return headerEscaper.Replace(value)
}

func unescapeHeader(value string) string {
	return headerUnescaper.Replace(value)
}
