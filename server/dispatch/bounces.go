package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pkgwatch/herald/consts"
	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/helpers"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
	"github.com/pkgwatch/herald/server/delivery"
	"github.com/pkgwatch/herald/verp"
)

// HandleBounce processes one bounce returned to a VERP return path. The
// envelope recipient encodes both the subscriber the original copy went to
// and the day it was sent. A subscriber whose mail bounced on each of the
// last tolerated days loses all direct subscriptions and is notified once.
func (s *Service) HandleBounce(ctx context.Context, envelopeTo string, raw []byte) error {
	metrics.MessageSizeBytes.WithLabelValues("bounces").Observe(float64(len(raw)))

	bounceEmail, userEmail, err := verp.Decode(envelopeTo)
	if err != nil {
		logger.Warnf("bounces :: invalid address %s", envelopeTo)
		metrics.BouncesReceivedTotal.WithLabelValues("malformed").Inc()
		return nil
	}

	m := s.bounceAddrRe.FindStringSubmatch(bounceEmail)
	if m == nil {
		logger.Warnf("bounces :: invalid address %s", bounceEmail)
		metrics.BouncesReceivedTotal.WithLabelValues("malformed").Inc()
		return nil
	}
	date, err := time.Parse(consts.BounceDateLayout, m[1])
	if err != nil {
		logger.Warnf("bounces :: invalid date in address %s", bounceEmail)
		metrics.BouncesReceivedTotal.WithLabelValues("malformed").Inc()
		return nil
	}

	logger.Infof("bounces :: received one for %s/%s", userEmail, date.Format("2006-01-02"))

	user, err := s.store.GetUserEmail(ctx, userEmail)
	if err != nil {
		if errors.Is(err, db.ErrEmailNotFound) {
			logger.Warnf("bounces :: unknown user email %s", userEmail)
			metrics.BouncesReceivedTotal.WithLabelValues("stale").Inc()
			return nil
		}
		return fmt.Errorf("failed to look up subscriber %s: %w", userEmail, err)
	}

	// Provider-side content rejections are not deliverability problems
	if s.bounceIsForSpam(raw) {
		logger.Infof("bounces :: discarded spam bounce for %s/%s", user.Email, date.Format("2006-01-02"))
		metrics.BouncesReceivedTotal.WithLabelValues("spam").Inc()
		return nil
	}

	if err := s.store.AddBounceEvent(ctx, user.Email, date, s.bouncesTolerated); err != nil {
		return fmt.Errorf("failed to record bounce for %s: %w", user.Email, err)
	}
	metrics.BouncesReceivedTotal.WithLabelValues("recorded").Inc()

	tooMany, err := s.store.HasTooManyBounces(ctx, user.Email, s.bouncesTolerated)
	if err != nil {
		return fmt.Errorf("failed to check bounce history of %s: %w", user.Email, err)
	}
	if !tooMany {
		return nil
	}

	logger.Infof("bounces => %s has too many bounces", user.Email)

	packages, err := s.store.GetSubscribedPackages(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions of %s: %w", user.Email, err)
	}
	if err := s.sendCancellationNotice(user.Email, packages); err != nil {
		return err
	}

	removed, err := s.store.UnsubscribeAll(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", user.Email, err)
	}
	for _, pkg := range removed {
		logger.Infof("bounces :: removed %s from %s", user.Email, pkg)
	}
	metrics.SubscriptionsCancelledTotal.Add(float64(len(removed)))
	return nil
}

// bounceIsForSpam reports whether the bounce is a provider rejecting the
// forwarded content rather than failing to deliver to the subscriber. Each
// non-multipart part's first lines are matched against the configured
// rejection patterns; HTML parts are converted to text first.
func (s *Service) bounceIsForSpam(raw []byte) bool {
	parts, err := helpers.TextParts(raw)
	if err != nil {
		return false
	}

	const scanLines = 15
	for _, part := range parts {
		lines := strings.Split(part.Text, "\n")
		if len(lines) > scanLines {
			lines = lines[:scanLines]
		}
		for _, line := range lines {
			line = strings.TrimRight(line, "\r")
			for _, re := range s.spamPatterns {
				if re.MatchString(line) {
					return true
				}
			}
		}
	}
	return false
}

// sendCancellationNotice tells the subscriber which subscriptions were
// dropped and why. The notice itself goes out under an envelope sender that
// never matches the dated bounce pattern, so its own returns cannot feed
// back into the bounce stats.
func (s *Service) sendCancellationNotice(email string, packages []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Every message we forwarded to %s has been\n", email)
	fmt.Fprintf(&b, "bouncing for the last %d days. To protect the service, all your\n", s.bouncesTolerated)
	b.WriteString("package subscriptions have been cancelled.\n")
	b.WriteString("\n")
	b.WriteString("You were subscribed to the following packages:\n")
	b.WriteString("\n")
	for _, pkg := range packages {
		fmt.Fprintf(&b, "  %s\n", pkg)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Once the problem with your mailbox is resolved, you can subscribe\n")
	fmt.Fprintf(&b, "again by writing to %s.\n", s.controlEmail)

	notice := &delivery.TextMessage{
		From:    s.contactEmail,
		To:      []string{email},
		Cc:      []string{s.contactEmail},
		Subject: "All your package subscriptions have been cancelled",
		Body:    b.String(),
	}
	data, err := s.composer.Compose(notice)
	if err != nil {
		return fmt.Errorf("failed to compose cancellation notice: %w", err)
	}
	if err := s.relay.Send(s.spamNoticeFrom, notice.Recipients(), data); err != nil {
		return fmt.Errorf("failed to send cancellation notice to %s: %w", email, err)
	}
	return nil
}
