// Package delivery implements the outbound channel. Everything Herald sends
// (dispatch copies, command replies, confirmation requests, notices) is
// submitted to the configured SMTP smarthost. A dispatch fan-out reuses one
// connection for the whole recipient batch so large subscriber lists do not
// hammer the relay with connection churn.
package delivery

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
// Temporary errors (4xx SMTP codes, network errors) can be retried.
type RelayError struct {
	Err       error
	Permanent bool // true for 5xx errors, false for 4xx/network errors
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure (5xx SMTP error).
// Returns true for 5xx errors, false for 4xx errors and network/connection errors.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's already wrapped as RelayError
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	// Check for SMTP error
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		// 5xx = permanent, 4xx = temporary (Temporary() returns true for 4xx)
		return !smtpErr.Temporary()
	}

	// Network errors, connection errors, etc. are temporary
	return false
}

// SMTPRelay submits messages to an external SMTP smarthost.
type SMTPRelay struct {
	Host        string // SMTP server address ("host:port")
	UseTLS      bool   // Connect with implicit TLS
	UseStartTLS bool   // Upgrade via STARTTLS instead of implicit TLS
	TLSVerify   bool   // Verify server certificates
	LocalName   string // HELO/EHLO name (optional)
	Username    string // SASL PLAIN username (optional)
	Password    string // SASL PLAIN password
	Disabled    bool   // Compose but do not deliver (testing setups)
}

// RelayConn is one open submission connection. A batch of messages with
// distinct envelopes is sent over the same connection by calling Send once
// per message.
type RelayConn struct {
	client   *smtp.Client
	disabled bool
}

// Connect dials the smarthost and completes the handshake, including optional
// STARTTLS and authentication. The caller owns the connection and must Close it.
func (r *SMTPRelay) Connect() (*RelayConn, error) {
	if r.Disabled {
		logger.Warn("Relay: delivery disabled, messages will be dropped")
		return &RelayConn{disabled: true}, nil
	}

	if r.Host == "" {
		return nil, &RelayError{Err: fmt.Errorf("SMTP relay host not configured"), Permanent: true}
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}

	var c *smtp.Client
	var err error

	// Connect based on TLS configuration
	if r.UseTLS {
		c, err = smtp.DialTLS(r.Host, tlsConfig)
		if err != nil {
			// Connection errors are temporary (network issue, server down)
			return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay with TLS: %w", err), Permanent: false}
		}
	} else if r.UseStartTLS {
		c, err = smtp.DialStartTLS(r.Host, tlsConfig)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay with STARTTLS: %w", err), Permanent: false}
		}
	} else {
		c, err = smtp.Dial(r.Host)
		if err != nil {
			return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err), Permanent: false}
		}
	}

	if r.LocalName != "" {
		if err := c.Hello(r.LocalName); err != nil {
			c.Close()
			return nil, &RelayError{Err: fmt.Errorf("HELO rejected: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if r.Username != "" {
		auth := sasl.NewPlainClient("", r.Username, r.Password)
		if err := c.Auth(auth); err != nil {
			c.Close()
			// Rejected credentials will not fix themselves
			return nil, &RelayError{Err: fmt.Errorf("authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	return &RelayConn{client: c}, nil
}

// Send submits one message with its own envelope over the open connection.
// All recipients share the envelope. A rejected message leaves the
// connection usable for the next one.
func (c *RelayConn) Send(from string, to []string, messageBytes []byte) error {
	if c.disabled {
		logger.Info("Relay: delivery disabled, dropping message", "from", from, "to", to)
		return nil
	}

	err := c.send(from, to, messageBytes)
	if err != nil {
		if IsPermanentError(err) {
			metrics.DeliveryAttemptsTotal.WithLabelValues("permanent").Inc()
		} else {
			metrics.DeliveryAttemptsTotal.WithLabelValues("transient").Inc()
		}
		// Abort the failed transaction so the connection can carry the next message
		if resetErr := c.client.Reset(); resetErr != nil {
			logger.Warn("Relay: RSET after failed transaction failed", "error", resetErr)
		}
		return err
	}

	metrics.DeliveryAttemptsTotal.WithLabelValues("success").Inc()
	metrics.BytesThroughput.WithLabelValues("smtp", "out").Add(float64(len(messageBytes)))
	return nil
}

func (c *RelayConn) send(from string, to []string, messageBytes []byte) error {
	if len(to) == 0 {
		return &RelayError{Err: fmt.Errorf("no recipients"), Permanent: true}
	}

	if err := c.client.Mail(from, nil); err != nil {
		// Classify SMTP error (5xx = permanent, 4xx = temporary)
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range to {
		if err := c.client.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.client.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err = wc.Write(messageBytes); err != nil {
		// Attempt to close the data writer even if write fails, to send the final dot.
		_ = wc.Close()
		// Write errors are typically I/O errors (temporary)
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err = wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	return nil
}

// Close sends QUIT and tears the connection down.
func (c *RelayConn) Close() error {
	if c.disabled {
		return nil
	}
	if err := c.client.Quit(); err != nil {
		// Quit errors don't affect messages already accepted
		logger.Warn("Relay: Failed to send QUIT", "error", err)
		return c.client.Close()
	}
	return nil
}

// Send opens a connection for a single message and closes it afterwards.
// Batches should Connect once and reuse the connection instead.
func (r *SMTPRelay) Send(from string, to []string, messageBytes []byte) error {
	start := time.Now()
	conn, err := r.Connect()
	if err != nil {
		if IsPermanentError(err) {
			metrics.DeliveryAttemptsTotal.WithLabelValues("permanent").Inc()
		} else {
			metrics.DeliveryAttemptsTotal.WithLabelValues("transient").Inc()
		}
		return err
	}
	defer conn.Close()

	if err := conn.Send(from, to, messageBytes); err != nil {
		return err
	}

	logger.Info("Relay: Delivered message", "to", to, "duration", time.Since(start))
	return nil
}
