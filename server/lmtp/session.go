package lmtp

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/pkgwatch/herald/helpers"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
)

// session is one LMTP transaction from the MTA. The MTA may deliver one
// message to several recipients in a single transaction, each recipient
// becomes its own spool entry.
type session struct {
	backend   *Backend
	id        string
	startTime time.Time

	sender     string
	mailSeen   bool
	recipients []string
}

func newSession(b *Backend) *session {
	return &session{
		backend:   b,
		id:        uuid.NewString(),
		startTime: time.Now(),
	}
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	// The null sender is how bounces come back, it must stay accepted.
	if from != "" {
		if err := helpers.ValidateEmailAddress(from); err != nil {
			logger.Debug("LMTP: Rejected sender", "session", s.id, "from", from, "error", err)
			return &smtp.SMTPError{
				Code:         553,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender",
			}
		}
	}

	s.sender = from
	s.mailSeen = true
	logger.Debug("LMTP: MAIL FROM accepted", "session", s.id, "from", from)
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if err := helpers.ValidateEmailAddress(to); err != nil {
		logger.Debug("LMTP: Rejected recipient", "session", s.id, "to", to, "error", err)
		return &smtp.SMTPError{
			Code:         513,
			EnhancedCode: smtp.EnhancedCode{5, 0, 1},
			Message:      "Invalid recipient",
		}
	}
	if !strings.HasSuffix(to, "@"+s.backend.hostname) {
		logger.Debug("LMTP: Rejected foreign recipient", "session", s.id, "to", to)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Relay access denied",
		}
	}

	s.recipients = append(s.recipients, to)
	logger.Debug("LMTP: RCPT TO accepted", "session", s.id, "to", to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if !s.mailSeen || len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}

	// One byte beyond the limit is enough to know it was crossed.
	reader := r
	if s.backend.maxMessageSize > 0 {
		reader = io.LimitReader(r, s.backend.maxMessageSize+1)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		logger.Error("LMTP: Failed to read message data", "session", s.id, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message",
		}
	}

	if s.backend.maxMessageSize > 0 && int64(buf.Len()) > s.backend.maxMessageSize {
		logger.Warn("LMTP: Message too large", "session", s.id, "limit", s.backend.maxMessageSize)
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", s.backend.maxMessageSize),
		}
	}

	data := buf.Bytes()

	metrics.MessageSizeBytes.WithLabelValues("lmtp").Observe(float64(len(data)))
	metrics.BytesThroughput.WithLabelValues("lmtp", "in").Add(float64(len(data)))

	// A failed slot fails the whole delivery and the MTA retries every
	// recipient, so entries already written may be processed twice.
	for _, recipient := range s.recipients {
		if err := s.backend.spool.Enqueue(s.sender, recipient, data); err != nil {
			logger.Error("LMTP: Failed to spool message", "session", s.id, "recipient", recipient, "error", err)
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Failed to queue message, try again later",
			}
		}
	}

	if s.backend.worker != nil {
		s.backend.worker.NotifyQueued()
	}

	logger.Info("LMTP: Message queued", "session", s.id, "from", s.sender,
		"recipients", len(s.recipients), "bytes", buf.Len())
	return nil
}

func (s *session) Reset() {
	s.sender = ""
	s.mailSeen = false
	s.recipients = nil
}

func (s *session) Logout() error {
	active := s.backend.activeConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Dec()
	logger.Debug("LMTP: Session closed", "session", s.id,
		"duration", time.Since(s.startTime), "active", active)
	return nil
}
