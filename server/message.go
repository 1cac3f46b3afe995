package server

import (
	"bytes"
	"fmt"
	"io"
)

// ForwardMessage wraps a raw inbound mail so outbound copies can be stamped
// with additional headers without re-encoding the original content. Added
// headers are appended at the end of the existing header block, the way an
// MTA stamps a relayed message, and the original bytes are never modified.
type ForwardMessage struct {
	header []byte // original header block, including its final line ending
	body   []byte // everything after the separating blank line
	crlf   bool
	added  []headerField
}

type headerField struct {
	name  string
	value string
}

// NewForwardMessage splits a raw message into header block and body. A
// message without a separating blank line is treated as all header with an
// empty body.
func NewForwardMessage(raw []byte) (*ForwardMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	sep := -1
	sepLen := 0
	crlf := false
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		sep, sepLen, crlf = i, 4, true
	}
	if i := bytes.Index(raw, []byte("\n\n")); i != -1 && (sep == -1 || i < sep) {
		sep, sepLen, crlf = i, 2, false
	}

	if sep == -1 {
		// Header-only message
		crlf = bytes.Contains(raw, []byte("\r\n"))
		header := append([]byte(nil), raw...)
		if !bytes.HasSuffix(header, []byte("\n")) {
			if crlf {
				header = append(header, '\r', '\n')
			} else {
				header = append(header, '\n')
			}
		}
		return &ForwardMessage{header: header, crlf: crlf}, nil
	}

	return &ForwardMessage{
		header: raw[:sep+sepLen/2],
		body:   raw[sep+sepLen:],
		crlf:   crlf,
	}, nil
}

// AddHeader appends a header to the copies produced by Bytes and WriteTo.
// Repeated names are kept in insertion order.
func (f *ForwardMessage) AddHeader(name, value string) {
	f.added = append(f.added, headerField{name: name, value: value})
}

// Clone returns a copy that can be stamped independently. The underlying
// raw header and body are shared and must not be mutated.
func (f *ForwardMessage) Clone() *ForwardMessage {
	clone := &ForwardMessage{
		header: f.header,
		body:   f.body,
		crlf:   f.crlf,
	}
	clone.added = append(clone.added, f.added...)
	return clone
}

// Bytes assembles the outbound message: original headers, added headers,
// blank line, original body.
func (f *ForwardMessage) Bytes() []byte {
	nl := "\n"
	if f.crlf {
		nl = "\r\n"
	}

	var buf bytes.Buffer
	buf.Grow(len(f.header) + len(f.body) + 256)
	buf.Write(f.header)
	for _, h := range f.added {
		buf.WriteString(h.name)
		buf.WriteString(": ")
		buf.WriteString(h.value)
		buf.WriteString(nl)
	}
	buf.WriteString(nl)
	buf.Write(f.body)
	return buf.Bytes()
}

func (f *ForwardMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Bytes())
	return int64(n), err
}
