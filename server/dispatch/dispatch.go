// Package dispatch forwards received package messages to their subscribers
// and handles the bounce returns of earlier forwards.
//
// One inbound message fans out to the direct subscribers of the package it
// was classified for, filtered by keyword, and to the members of every team
// carrying the package. All copies of one inbound message are submitted over
// a single relay connection; each copy carries a VERP return path so the
// bounce handler can attribute failures to individual subscribers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/pkgwatch/herald/config"
	"github.com/pkgwatch/herald/consts"
	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/helpers"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
	"github.com/pkgwatch/herald/server"
	"github.com/pkgwatch/herald/server/delivery"
	"github.com/pkgwatch/herald/verp"
)

// Store is the subscription state the dispatcher reads and the bounce
// counters it maintains. Implemented by db.Database.
type Store interface {
	GetPackageByName(ctx context.Context, name string) (*db.Package, error)
	GetSubscriberEmails(ctx context.Context, packageName, keyword string) ([]string, error)
	KeywordExists(ctx context.Context, name string) (bool, error)
	GetTeamsForPackage(ctx context.Context, packageName string) ([]db.Team, error)
	GetTeamRecipients(ctx context.Context, teamID int64, packageName, keyword string) ([]string, error)
	AddSentEvent(ctx context.Context, email string, date time.Time, days int) error
	GetUserEmail(ctx context.Context, email string) (*db.UserEmail, error)
	AddBounceEvent(ctx context.Context, email string, date time.Time, days int) error
	HasTooManyBounces(ctx context.Context, email string, days int) (bool, error)
	GetSubscribedPackages(ctx context.Context, email string) ([]string, error)
	UnsubscribeAll(ctx context.Context, email string) ([]string, error)
}

// Service dispatches package messages and processes bounces.
type Service struct {
	store Store
	relay *delivery.SMTPRelay
	hooks Hooks

	fqdn             string
	dispatchEmail    string
	controlEmail     string
	contactEmail     string
	spamNoticeFrom   string
	bouncesTolerated int
	spamPatterns     []*regexp.Regexp
	bounceAddrRe     *regexp.Regexp
	composer         *delivery.Composer
}

// NewService wires a dispatcher against its subscription store and relay.
// A nil hooks installs the neutral NopHooks behavior.
func NewService(store Store, relay *delivery.SMTPRelay, tracker *config.TrackerConfig, cfg *config.DispatchConfig, hooks Hooks) (*Service, error) {
	if hooks == nil {
		hooks = NopHooks{}
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.GetBounceSpamPatterns()))
	for _, p := range cfg.GetBounceSpamPatterns() {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid bounce spam pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &Service{
		store:            store,
		relay:            relay,
		hooks:            hooks,
		fqdn:             tracker.FQDN,
		dispatchEmail:    tracker.GetDispatchEmail(),
		controlEmail:     tracker.GetControlEmail(),
		contactEmail:     tracker.GetContactEmail(),
		spamNoticeFrom:   tracker.GetBouncesLikelySpamEmail(),
		bouncesTolerated: cfg.GetBouncesTolerated(),
		spamPatterns:     patterns,
		bounceAddrRe:     regexp.MustCompile(`^bounces\+(\d{8})@` + regexp.QuoteMeta(tracker.FQDN) + `$`),
		composer:         &delivery.Composer{Hostname: tracker.FQDN},
	}, nil
}

// Process classifies one received message and forwards it to the subscribers
// of every package it was classified for. The hints carry what the delivery
// address already revealed (dispatch+pkg_keyword@fqdn).
func (s *Service) Process(ctx context.Context, raw []byte, pkgHint, kwHint string) error {
	metrics.MessageSizeBytes.WithLabelValues("dispatch").Observe(float64(len(raw)))

	entity, err := helpers.ReadEntity(raw)
	if err != nil {
		return &delivery.RelayError{Err: fmt.Errorf("malformed message: %w", err), Permanent: true}
	}

	from := helpers.ExtractEmailAddress(entity.Header.Get("From"))
	msgid := messageID(entity)
	logger.Infof("dispatch :: received from %s :: %s", from, msgid)

	packages, keyword, err := s.classify(entity, pkgHint, kwHint)
	if err != nil {
		if errors.Is(err, ErrSkipMessage) {
			logger.Infof("dispatch :: skipping %s", msgid)
			return nil
		}
		return err
	}

	if len(packages) == 0 {
		logger.Warnf("dispatch :: no package identified for %s", msgid)
		metrics.DispatchDropsTotal.WithLabelValues("unknown_package").Inc()
		return nil
	}

	for _, pkg := range packages {
		if err := s.forward(ctx, raw, entity, pkg, keyword); err != nil {
			return err
		}
	}
	return nil
}

// classify resolves the packages and keyword of a message. Tracker headers
// fill in hints the delivery address did not provide, the classifier hook may
// override both, and a resolved package without keyword gets the default one.
func (s *Service) classify(entity *message.Entity, pkgHint, kwHint string) ([]string, string, error) {
	pkg := pkgHint
	if pkg == "" {
		pkg = entity.Header.Get(consts.HeaderPackage)
	}
	keyword := kwHint
	if keyword == "" {
		keyword = entity.Header.Get(consts.HeaderKeyword)
	}

	packages, kw, handled, err := s.hooks.ClassifyMessage(entity, pkg, keyword)
	if err != nil {
		return nil, "", err
	}
	if !handled {
		kw = keyword
		packages = nil
		if pkg != "" {
			packages = []string{pkg}
		}
	}

	if len(packages) > 0 && kw == "" {
		kw = consts.DefaultKeyword
	}
	return packages, kw, nil
}

// Forward sends one message to the subscribers of the given package and
// keyword combination.
func (s *Service) Forward(ctx context.Context, raw []byte, pkg, keyword string) error {
	entity, err := helpers.ReadEntity(raw)
	if err != nil {
		return &delivery.RelayError{Err: fmt.Errorf("malformed message: %w", err), Permanent: true}
	}
	return s.forward(ctx, raw, entity, pkg, keyword)
}

func (s *Service) forward(ctx context.Context, raw []byte, entity *message.Entity, pkg, keyword string) error {
	msgid := messageID(entity)
	logger.Infof("dispatch :: forward to %s %s :: %s", logValue(pkg), logValue(keyword), msgid)

	if s.hasLoopMarker(entity) {
		logger.Infof("dispatch :: discarded %s due to X-Loop", msgid)
		metrics.DispatchDropsTotal.WithLabelValues("loop").Inc()
		return nil
	}

	// Default-keyword mail is unsolicited unless something vouches for it
	if keyword == consts.DefaultKeyword && !s.approvedDefault(entity) {
		logger.Infof("dispatch :: discarded non-approved message %s", msgid)
		metrics.DispatchDropsTotal.WithLabelValues("unapproved").Inc()
		return nil
	}

	base, err := server.NewForwardMessage(raw)
	if err != nil {
		return &delivery.RelayError{Err: fmt.Errorf("malformed message: %w", err), Permanent: true}
	}
	s.stampSharedHeaders(base, entity, pkg, keyword)

	date := time.Now()
	batch, err := s.directCopies(ctx, base, pkg, keyword, date)
	if err != nil {
		return err
	}
	teamBatch, err := s.teamCopies(ctx, base, pkg, keyword, date)
	if err != nil {
		return err
	}
	batch = append(batch, teamBatch...)

	if len(batch) == 0 {
		metrics.DispatchDropsTotal.WithLabelValues("no_recipients").Inc()
		return nil
	}
	return s.sendBatch(ctx, batch, date)
}

// stampSharedHeaders appends the headers every outbound copy carries,
// independent of whether it goes to a direct subscriber or a team member.
func (s *Service) stampSharedHeaders(msg *server.ForwardMessage, entity *message.Entity, pkg, keyword string) {
	msg.AddHeader("X-Loop", s.dispatchEmail)
	msg.AddHeader(consts.HeaderPackage, pkg)
	msg.AddHeader(consts.HeaderKeyword, keyword)
	msg.AddHeader("List-Id", fmt.Sprintf("<%s.%s>", pkg, s.fqdn))
	for _, h := range s.hooks.ExtraHeaders(entity, pkg, keyword) {
		msg.AddHeader(h.Name, h.Value)
	}
}

// hasLoopMarker reports whether one of the message's X-Loop headers already
// names this dispatcher.
func (s *Service) hasLoopMarker(entity *message.Entity) bool {
	fields := entity.Header.FieldsByKey("X-Loop")
	for fields.Next() {
		if strings.TrimSpace(fields.Value()) == s.dispatchEmail {
			return true
		}
	}
	return false
}

// approvedDefault reports whether a default-keyword message may be forwarded.
func (s *Service) approvedDefault(entity *message.Entity) bool {
	if entity.Header.Has(consts.HeaderApproved) {
		return true
	}
	return s.hooks.ApproveDefaultMessage(entity)
}

// outboundCopy is one recipient copy ready for submission. Copies of the
// same audience share their serialized bytes.
type outboundCopy struct {
	to           string
	envelopeFrom string
	data         []byte
}

// directCopies builds the copies for subscribers directly subscribed to the
// package under the given keyword.
func (s *Service) directCopies(ctx context.Context, base *server.ForwardMessage, pkg, keyword string, date time.Time) ([]outboundCopy, error) {
	emails, err := s.store.GetSubscriberEmails(ctx, pkg, keyword)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscribers of %s: %w", pkg, err)
	}
	if len(emails) == 0 {
		return nil, nil
	}

	direct := base.Clone()
	direct.AddHeader("Precedence", "list")
	direct.AddHeader("List-Unsubscribe",
		fmt.Sprintf("<mailto:%s?body=unsubscribe%%20%s>", s.controlEmail, pkg))
	data := direct.Bytes()

	copies := make([]outboundCopy, 0, len(emails))
	for _, email := range emails {
		c, err := s.prepareCopy(data, email, date)
		if err != nil {
			return nil, err
		}
		copies = append(copies, c)
	}

	metrics.DispatchForwardsTotal.WithLabelValues("direct").Inc()
	metrics.DispatchRecipientsTotal.WithLabelValues("direct").Add(float64(len(copies)))
	return copies, nil
}

// teamCopies builds the copies for members of every team carrying the
// package. Muted memberships and members whose effective keyword set misses
// the keyword are excluded by the recipients query.
func (s *Service) teamCopies(ctx context.Context, base *server.ForwardMessage, pkg, keyword string, date time.Time) ([]outboundCopy, error) {
	known, err := s.store.KeywordExists(ctx, keyword)
	if err != nil {
		return nil, fmt.Errorf("failed to look up keyword %s: %w", keyword, err)
	}
	if !known {
		return nil, nil
	}
	if _, err := s.store.GetPackageByName(ctx, pkg); err != nil {
		if errors.Is(err, db.ErrPackageNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up package %s: %w", pkg, err)
	}

	teams, err := s.store.GetTeamsForPackage(ctx, pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to load teams of %s: %w", pkg, err)
	}

	var copies []outboundCopy
	for _, team := range teams {
		logger.Infof("dispatch :: sending to team %s", team.Slug)

		recipients, err := s.store.GetTeamRecipients(ctx, team.ID, pkg, keyword)
		if err != nil {
			return nil, fmt.Errorf("failed to load recipients of team %s: %w", team.Slug, err)
		}
		if len(recipients) == 0 {
			continue
		}

		teamMsg := base.Clone()
		teamMsg.AddHeader(consts.HeaderTeam, team.Slug)
		data := teamMsg.Bytes()

		for _, email := range recipients {
			c, err := s.prepareCopy(data, email, date)
			if err != nil {
				return nil, err
			}
			copies = append(copies, c)
		}
	}

	if len(copies) > 0 {
		metrics.DispatchForwardsTotal.WithLabelValues("team").Inc()
		metrics.DispatchRecipientsTotal.WithLabelValues("team").Add(float64(len(copies)))
	}
	return copies, nil
}

// prepareCopy attaches the VERP return path for one recipient. The dated
// bounce address lets the bounce handler attribute a return to both the
// recipient and the day the copy went out.
func (s *Service) prepareCopy(data []byte, toEmail string, date time.Time) (outboundCopy, error) {
	bounceAddr := fmt.Sprintf("bounces+%s@%s", date.Format(consts.BounceDateLayout), s.fqdn)
	envelopeFrom, err := verp.Encode(bounceAddr, toEmail)
	if err != nil {
		return outboundCopy{}, fmt.Errorf("failed to build return path for %s: %w", toEmail, err)
	}
	return outboundCopy{to: toEmail, envelopeFrom: envelopeFrom, data: data}, nil
}

// sendBatch submits all copies over one relay connection and records a sent
// event per accepted copy.
func (s *Service) sendBatch(ctx context.Context, batch []outboundCopy, date time.Time) error {
	start := time.Now()
	conn, err := s.relay.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, c := range batch {
		if err := conn.Send(c.envelopeFrom, []string{c.to}, c.data); err != nil {
			return fmt.Errorf("dispatch to %s failed: %w", c.to, err)
		}
		logger.Infof("dispatch => %s", c.to)
		if err := s.store.AddSentEvent(ctx, c.to, date, s.bouncesTolerated); err != nil {
			return err
		}
	}

	metrics.DeliveryBatchDuration.Observe(time.Since(start).Seconds())
	return nil
}

func messageID(entity *message.Entity) string {
	if id := entity.Header.Get("Message-ID"); id != "" {
		return id
	}
	return "no-msgid-present@localhost"
}

func logValue(s string) string {
	if s == "" {
		return "<unknown>"
	}
	return s
}
