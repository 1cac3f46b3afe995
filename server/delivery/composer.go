package delivery

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// TextMessage describes one plain-text message Herald produces on its own:
// command replies, confirmation requests and notices. Forwarded dispatch
// copies never go through here, they keep the original message bytes.
type TextMessage struct {
	From       string   // From header address
	To         []string // To header recipients
	Cc         []string // Cc header recipients (optional)
	Subject    string
	Body       string
	XLoop      string // X-Loop header value (optional)
	InReplyTo  string // Message-ID being replied to, with angle brackets (optional)
	References string // References header value (optional)
}

// Recipients returns all envelope recipients of the message, To then Cc.
func (m *TextMessage) Recipients() []string {
	rcpts := make([]string, 0, len(m.To)+len(m.Cc))
	rcpts = append(rcpts, m.To...)
	rcpts = append(rcpts, m.Cc...)
	return rcpts
}

// Composer renders Herald's own outbound mail into RFC 822 form.
type Composer struct {
	Hostname string // domain used in generated Message-IDs
}

// Compose renders the message as a single text/plain entity. The subject is
// encoded-word encoded when needed, the body is quoted-printable.
func (c *Composer) Compose(msg *TextMessage) ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}

	var h mail.Header
	h.Set("From", msg.From)
	h.Set("To", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		h.Set("Cc", strings.Join(msg.Cc, ", "))
	}
	h.SetSubject(msg.Subject)
	h.Set("Message-ID", fmt.Sprintf("<%d.herald@%s>", time.Now().UnixNano(), c.Hostname))
	h.SetDate(time.Now())
	if msg.XLoop != "" {
		h.Set("X-Loop", msg.XLoop)
	}
	if msg.InReplyTo != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
		references := msg.References
		if references == "" {
			references = msg.InReplyTo
		}
		h.Set("References", references)
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(msg.Body)); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
