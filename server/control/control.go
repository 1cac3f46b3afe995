// Package control runs the command robot behind the control address.
//
// A control message carries one command per line, with the subject treated
// as an extra command line. Commands touching another person's subscription
// state are held back until that address confirms them by mailing back the
// CONFIRM key it was sent. The reply quotes every input line followed by
// what the command had to say about it.
package control

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkgwatch/herald/config"
	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/helpers"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
	"github.com/pkgwatch/herald/server/delivery"
)

// Store is the subscription, team and confirmation state the command robot
// works against. Implemented by db.Database.
type Store interface {
	GetPackageByName(ctx context.Context, name string) (*db.Package, error)
	GetSourceForBinary(ctx context.Context, binaryName string) (*db.Package, error)

	IsSubscribed(ctx context.Context, packageName, email string) (bool, error)
	CreateSubscription(ctx context.Context, packageName, email string, active bool) (*db.Subscription, error)
	DeleteSubscription(ctx context.Context, packageName, email string) (bool, error)
	GetSubscribedPackages(ctx context.Context, email string) ([]string, error)
	GetSubscriberEmailsForPackage(ctx context.Context, packageName string) ([]string, error)
	UnsubscribeAll(ctx context.Context, email string) ([]string, error)

	GetOrCreateUserEmail(ctx context.Context, email string) (*db.UserEmail, error)
	EffectiveDefaultKeywords(ctx context.Context, ue *db.UserEmail) ([]string, error)
	UpdateDefaultKeywords(ctx context.Context, email string, operation string, names []string) (updated []string, unknown []string, err error)
	GetSubscriptionKeywords(ctx context.Context, packageName, email string) ([]string, error)
	UpdateSubscriptionKeywords(ctx context.Context, packageName, email, operation string, names []string) (updated []string, unknown []string, err error)

	GetTeamBySlug(ctx context.Context, slug string) (*db.Team, error)
	IsTeamMember(ctx context.Context, slug, email string) (bool, error)
	AddTeamMember(ctx context.Context, slug, email string, muted bool) (*db.TeamMembership, error)
	RemoveTeamMember(ctx context.Context, slug, email string) error
	GetTeamPackages(ctx context.Context, slug string) ([]string, error)
	GetTeamsForEmail(ctx context.Context, email string) ([]db.Team, error)

	CreateCommandConfirmation(ctx context.Context, identifier, commands string) (*db.CommandConfirmation, error)
	ConsumeCommandConfirmation(ctx context.Context, key string, expirationDays int) (string, error)
	ConsumeMembershipConfirmation(ctx context.Context, key string, expirationDays int) (int64, error)
}

// Service processes control messages and mails back the results.
type Service struct {
	store Store
	relay *delivery.SMTPRelay

	fqdn           string
	controlEmail   string
	contactEmail   string
	bouncesEmail   string
	maxErrors      int
	expirationDays int
	composer       *delivery.Composer
	commands       []*commandSpec
}

// NewService wires the command robot against its store and relay.
func NewService(store Store, relay *delivery.SMTPRelay, tracker *config.TrackerConfig, cfg *config.ControlConfig) *Service {
	return &Service{
		store:          store,
		relay:          relay,
		fqdn:           tracker.FQDN,
		controlEmail:   tracker.GetControlEmail(),
		contactEmail:   tracker.GetContactEmail(),
		bouncesEmail:   tracker.GetBouncesEmail(),
		maxErrors:      cfg.GetMaxAllowedErrors(),
		expirationDays: cfg.GetConfirmationExpirationDays(),
		composer:       &delivery.Composer{Hostname: tracker.FQDN},
		commands:       newCommandSet(),
	}
}

// Process runs the commands of one received control message and replies with
// their output. Messages without any commands are dropped silently; messages
// carrying the robot's own loop marker are discarded.
func (s *Service) Process(ctx context.Context, raw []byte) error {
	metrics.MessageSizeBytes.WithLabelValues("control").Observe(float64(len(raw)))

	entity, err := helpers.ReadEntity(raw)
	if err != nil {
		return &delivery.RelayError{Err: fmt.Errorf("malformed message: %w", err), Permanent: true}
	}

	from := helpers.ExtractEmailAddress(entity.Header.Get("From"))
	msgid := messageID(entity)
	logger.Infof("control <= %s %s", from, msgid)

	if s.hasLoopMarker(entity) {
		logger.Infof("control :: discarded %s due to X-Loop", msgid)
		metrics.MessagesProcessedTotal.WithLabelValues("control", "dropped").Inc()
		return nil
	}

	text, ok, err := helpers.FirstTextPlainPart(raw)
	if err != nil {
		return &delivery.RelayError{Err: fmt.Errorf("malformed message: %w", err), Permanent: true}
	}
	if !ok {
		if err := s.sendPlainTextWarning(ctx, entity, from); err != nil {
			return err
		}
		logger.Infof("control :: no plain text found in %s", msgid)
		metrics.MessagesProcessedTotal.WithLabelValues("control", "dropped").Inc()
		return nil
	}

	lines := append(subjectCommand(entity), splitLines(text)...)

	set := newConfirmationSet()
	proc := s.newProcessor(from, false, set)
	if err := proc.process(ctx, lines); err != nil {
		return err
	}

	// Confirmation requests go out first so that their keys exist by the
	// time the sender reads the reply referencing them.
	if err := s.sendConfirmations(ctx, set); err != nil {
		return err
	}

	if !proc.success() {
		logger.Infof("control :: no command processed in %s", msgid)
		metrics.MessagesProcessedTotal.WithLabelValues("control", "dropped").Inc()
		return nil
	}

	if err := s.sendReply(ctx, entity, from, proc.output(), set.emails()); err != nil {
		return err
	}
	metrics.MessagesProcessedTotal.WithLabelValues("control", "ok").Inc()
	return nil
}

func (s *Service) matchCommand(line string) (*commandSpec, map[string]string) {
	for _, spec := range s.commands {
		if args, ok := spec.match(line); ok {
			return spec, args
		}
	}
	return nil, nil
}

// sendReply mails the command output back to the sender, threaded onto the
// original message. Addresses asked for confirmation receive a copy.
func (s *Service) sendReply(ctx context.Context, entity *message.Entity, recipient, body string, cc []string) error {
	msgid := entity.Header.Get("Message-ID")
	references := strings.TrimSpace(entity.Header.Get("References"))
	if references != "" {
		references += " "
	}
	references += msgid

	to := entity.Header.Get("From")
	if to == "" {
		to = recipient
	}

	msg := &delivery.TextMessage{
		From:       s.contactEmail,
		To:         []string{to},
		Cc:         cc,
		Subject:    "Re: " + replySubject(entity),
		Body:       body,
		XLoop:      s.controlEmail,
		InReplyTo:  msgid,
		References: references,
	}
	data, err := s.composer.Compose(msg)
	if err != nil {
		return err
	}

	logger.Infof("control => %s %s", recipient, strings.Join(cc, " "))
	rcpts := append([]string{recipient}, cc...)
	return s.relay.Send(s.bouncesEmail, rcpts, data)
}

// sendPlainTextWarning tells the sender their message held no usable part.
func (s *Service) sendPlainTextWarning(ctx context.Context, entity *message.Entity, recipient string) error {
	body := "Your message was not processed because it did not contain a\n" +
		"text/plain part. The control robot only understands commands given\n" +
		"as plain text.\n" +
		"\n" +
		"Please resend your commands in a plain text message.\n"
	return s.sendReply(ctx, entity, recipient, body, nil)
}

// subjectCommand turns the subject into leading command lines, with any
// reply prefix removed so answering the robot's own response works.
func subjectCommand(entity *message.Entity) []string {
	subject := decodedSubject(entity)
	if subject == "" {
		return nil
	}
	return []string{"# Message subject", helpers.StripReplyPrefix(subject)}
}

func replySubject(entity *message.Entity) string {
	if subject := decodedSubject(entity); subject != "" {
		return subject
	}
	return "Your mail"
}

func decodedSubject(entity *message.Entity) string {
	header := mail.Header{Header: entity.Header}
	subject, err := header.Subject()
	if err != nil || subject == "" {
		subject = entity.Header.Get("Subject")
	}
	return subject
}

// splitLines splits message text into lines the way command input is read:
// any line ending style, without a trailing empty line.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func (s *Service) hasLoopMarker(entity *message.Entity) bool {
	fields := entity.Header.FieldsByKey("X-Loop")
	for fields.Next() {
		if strings.TrimSpace(fields.Value()) == s.controlEmail {
			return true
		}
	}
	return false
}

func messageID(entity *message.Entity) string {
	if id := entity.Header.Get("Message-ID"); id != "" {
		return id
	}
	return "no-msgid-present@localhost"
}
