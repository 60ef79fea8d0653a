package stream

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ricesearch/logstream/internal/hub"
)

// Message is one Server-Sent Event.
type Message struct {
	// ID is the value of the "id:" field, the per-session sequence.
	ID string

	// Event is the event name. Empty means the default "message" type.
	Event string

	// Data is the payload, joined from one or more "data:" lines.
	Data []byte
}

// Seq parses the id field as a sequence number. It returns 0 when the id
// is absent or not numeric.
func (m Message) Seq() uint64 {
	n, _ := strconv.ParseUint(m.ID, 10, 64)
	return n
}

// sseWriter frames hub frames onto an HTTP response.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: f}, true
}

// WriteFrame writes f as an SSE event and flushes it to the client.
func (s *sseWriter) WriteFrame(f hub.Frame) error {
	if err := writeEvent(s.w, strconv.FormatUint(f.Seq, 10), f.Event, f.Data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// writeEvent writes one event. Multi-line data is split over several
// data lines so a newline in the payload can never end the event early.
func writeEvent(w io.Writer, id, event string, data []byte) error {
	var buf bytes.Buffer
	if id != "" {
		buf.WriteString("id: ")
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// Scanner reads Server-Sent Events from a stream.
//
//	sc := stream.NewScanner(resp.Body)
//	for sc.Next() {
//	    msg := sc.Message()
//	}
//	if err := sc.Err(); err != nil { ... }
//
// Comment lines and unknown fields are skipped.
type Scanner struct {
	reader  *bufio.Reader
	current Message
	err     error
}

// NewScanner creates a scanner over r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at end of stream or on
// error; Err tells them apart.
func (sc *Scanner) Next() bool {
	if sc.err != nil {
		return false
	}

	var (
		msg     Message
		data    []string
		hasData bool
	)
	emit := func() {
		msg.Data = []byte(strings.Join(data, "\n"))
		sc.current = msg
	}

	for {
		line, err := sc.reader.ReadString('\n')
		if err != nil && line == "" {
			sc.err = err
			if err == io.EOF && hasData {
				emit()
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				emit()
				return true
			}
			msg = Message{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			msg.Event = value
		case "id":
			msg.ID = value
		}
	}
}

// Message returns the event read by the last successful Next.
func (sc *Scanner) Message() Message {
	return sc.current
}

// Err returns the error that stopped the scanner, or nil on clean EOF.
func (sc *Scanner) Err() error {
	if sc.err == io.EOF {
		return nil
	}
	return sc.err
}
