// Package processor routes received messages to the service their delivery
// address names. It sits between the inbound spool and the dispatch, control
// and bounce pipelines.
package processor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pkgwatch/herald/config"
	"github.com/pkgwatch/herald/consts"
	"github.com/pkgwatch/herald/helpers"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
	"github.com/pkgwatch/herald/server"
	"github.com/pkgwatch/herald/server/delivery"
)

// Routing errors. All of them are permanent, redelivering the same message
// cannot change how its address parses.
var (
	// ErrMissingDeliveryAddress means no header names an address under the
	// tracker domain.
	ErrMissingDeliveryAddress = errors.New("no delivery address for the tracker domain")

	// ErrConflictingDeliveryAddresses means the headers name more than one
	// distinct address under the tracker domain.
	ErrConflictingDeliveryAddresses = errors.New("conflicting delivery addresses")

	// ErrInvalidDeliveryAddress means the delivery address matches no known
	// service.
	ErrInvalidDeliveryAddress = errors.New("not a valid tracker address")
)

// deliveryHeaders are scanned, in this order, when a message arrives without
// an envelope recipient, typically mail fed in from a file.
var deliveryHeaders = []string{"Delivered-To", "Envelope-To", "X-Original-To", "X-Envelope-To"}

// Dispatcher fans a classified message out to its subscribers and digests
// returned bounces.
type Dispatcher interface {
	Process(ctx context.Context, raw []byte, pkgHint, kwHint string) error
	HandleBounce(ctx context.Context, envelopeTo string, raw []byte) error
}

// Controller runs the command lines of one control message.
type Controller interface {
	Process(ctx context.Context, raw []byte) error
}

// Service routes one message per call. It implements mailqueue.Processor, so
// the spool worker can hand it everything the LMTP listener accepted.
type Service struct {
	dispatch Dispatcher
	control  Controller

	fqdn              string
	acceptUnqualified bool
}

// NewService creates a router over the given pipelines.
func NewService(dispatch Dispatcher, control Controller, tracker *config.TrackerConfig) *Service {
	return &Service{
		dispatch:          dispatch,
		control:           control,
		fqdn:              strings.ToLower(tracker.FQDN),
		acceptUnqualified: tracker.AcceptUnqualifiedEmails,
	}
}

// ProcessMessage routes one message by its delivery address. An empty
// recipient makes the router recover the address from the delivery headers
// the MTA stamped on the message itself. Address problems come back as
// permanent errors so the spool parks the message instead of retrying it.
func (s *Service) ProcessMessage(ctx context.Context, sender, recipient string, raw []byte) error {
	addr := recipient
	if addr == "" {
		found, err := s.findDeliveryAddress(raw)
		if err != nil {
			return &delivery.RelayError{Err: err, Permanent: true}
		}
		addr = found
	}

	parsed, err := server.NewAddress(addr)
	if err != nil {
		return &delivery.RelayError{Err: fmt.Errorf("%s: %w", addr, ErrInvalidDeliveryAddress), Permanent: true}
	}
	if parsed.Domain() != s.fqdn {
		return &delivery.RelayError{Err: fmt.Errorf("%s: %w", addr, ErrInvalidDeliveryAddress), Permanent: true}
	}

	switch parsed.BaseLocalPart() {
	case consts.ServiceDispatch:
		pkg, keyword := splitDispatchDetails(parsed.Detail())
		metrics.TrackSenderDomain(consts.ServiceDispatch, senderDomain(sender))
		defer observe(consts.ServiceDispatch, time.Now())
		return s.dispatch.Process(ctx, raw, pkg, keyword)
	case consts.ServiceBounces:
		// The detail holds the VERP-encoded subscriber and date, so the
		// bounce handler gets the full address the bounce came back on.
		defer observe(consts.ServiceBounces, time.Now())
		return s.dispatch.HandleBounce(ctx, parsed.FullAddress(), raw)
	case consts.ServiceControl:
		metrics.TrackSenderDomain(consts.ServiceControl, senderDomain(sender))
		defer observe(consts.ServiceControl, time.Now())
		return s.control.Process(ctx, raw)
	}

	if s.acceptUnqualified {
		// The whole local part is the package name here. A '+' inside it
		// belongs to the package (gtk+3.0@fqdn), not to a service suffix.
		pkg, keyword := splitDispatchDetails(parsed.LocalPart())
		logger.Infof("processor :: unqualified %s => dispatch %s", addr, pkg)
		metrics.TrackSenderDomain(consts.ServiceDispatch, senderDomain(sender))
		defer observe(consts.ServiceDispatch, time.Now())
		return s.dispatch.Process(ctx, raw, pkg, keyword)
	}

	return &delivery.RelayError{Err: fmt.Errorf("%s: %w", addr, ErrInvalidDeliveryAddress), Permanent: true}
}

// findDeliveryAddress recovers the address the message was delivered to.
// Exactly one distinct address under the tracker domain must appear across
// the delivery headers.
func (s *Service) findDeliveryAddress(raw []byte) (string, error) {
	entity, err := helpers.ReadEntity(raw)
	if err != nil {
		return "", fmt.Errorf("malformed message: %w", err)
	}

	suffix := "@" + s.fqdn
	var addresses []string
	for _, key := range deliveryHeaders {
		fields := entity.Header.FieldsByKey(key)
		for fields.Next() {
			addr := strings.TrimSpace(fields.Value())
			if !strings.HasSuffix(strings.ToLower(addr), suffix) {
				continue
			}
			if !slices.Contains(addresses, addr) {
				addresses = append(addresses, addr)
			}
		}
	}

	switch len(addresses) {
	case 0:
		return "", ErrMissingDeliveryAddress
	case 1:
		return addresses[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrConflictingDeliveryAddresses, strings.Join(addresses, ", "))
	}
}

// splitDispatchDetails separates dispatch details into the package name and
// the optional keyword following the first '_'.
func splitDispatchDetails(details string) (pkg, keyword string) {
	if i := strings.Index(details, "_"); i >= 0 {
		return details[:i], details[i+1:]
	}
	return details, ""
}

// senderDomain extracts the domain of an envelope sender for the per-domain
// counters. Bounces arrive with a null sender and stay uncounted.
func senderDomain(sender string) string {
	if i := strings.LastIndex(sender, "@"); i >= 0 {
		return strings.ToLower(strings.TrimSuffix(sender[i+1:], ">"))
	}
	return ""
}

// observe records how long the routed pipeline took.
func observe(service string, start time.Time) {
	metrics.MessageProcessingDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
}
