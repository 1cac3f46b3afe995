// Package news turns received emails into news items for the package they
// announce.
//
// A message carrying the tracker's package header becomes a news item for
// that package, with the raw message stored content-addressed in object
// storage. When the URL header is also present the item instead links to the
// given address. News is only ever recorded for packages the tracker already
// knows; mail about unknown packages is dropped.
package news

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkgwatch/herald/consts"
	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/helpers"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
	"github.com/pkgwatch/herald/server/delivery"
)

// Hooks lets a deployment derive news from messages the plain header
// convention does not cover, such as archive acceptance mails. The default
// behavior handles nothing.
type Hooks interface {
	// CreateNewsFromMessage may create news items from the message on its
	// own. Returning handled=false, or handled=true with created=false,
	// lets the header-based processing run afterwards.
	CreateNewsFromMessage(msg *message.Entity, raw []byte) (created bool, handled bool, err error)
}

// NopHooks is the neutral Hooks implementation.
type NopHooks struct{}

func (NopHooks) CreateNewsFromMessage(*message.Entity, []byte) (bool, bool, error) {
	return false, false, nil
}

// Store is the package and news state the service works against.
// Implemented by db.Database.
type Store interface {
	GetPackageByName(ctx context.Context, name string) (*db.Package, error)
	CreateNews(ctx context.Context, packageName, title, contentType, contentHash, content, createdBy string) (*db.NewsItem, error)
}

// ObjectStore holds raw news bodies under their content-addressed keys.
// Implemented by storage.S3Storage.
type ObjectStore interface {
	PutDeduplicated(key string, data []byte) (bool, error)
}

// Service records news items from received messages.
type Service struct {
	store   Store
	objects ObjectStore
	hooks   Hooks
}

// NewService wires the news intake against its stores. A nil hooks installs
// the neutral NopHooks behavior.
func NewService(store Store, objects ObjectStore, hooks Hooks) *Service {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Service{store: store, objects: objects, hooks: hooks}
}

// Process examines one received message and records a news item for it when
// the hook claims it or the package header names a known package.
func (s *Service) Process(ctx context.Context, raw []byte) error {
	metrics.MessageSizeBytes.WithLabelValues("news").Observe(float64(len(raw)))

	entity, err := helpers.ReadEntity(raw)
	if err != nil {
		return &delivery.RelayError{Err: fmt.Errorf("malformed message: %w", err), Permanent: true}
	}

	msgid := messageID(entity)
	logger.Infof("news <= %s %s", helpers.ExtractEmailAddress(entity.Header.Get("From")), msgid)

	created, handled, err := s.hooks.CreateNewsFromMessage(entity, raw)
	if err != nil {
		return err
	}
	if handled && created {
		logger.Infof("news :: item created by hook for %s", msgid)
		metrics.MessagesProcessedTotal.WithLabelValues("news", "ok").Inc()
		return nil
	}

	packageName := entity.Header.Get(consts.HeaderPackage)
	if packageName == "" {
		logger.Infof("news :: no package header in %s", msgid)
		metrics.MessagesProcessedTotal.WithLabelValues("news", "dropped").Inc()
		return nil
	}

	pkg, err := s.store.GetPackageByName(ctx, packageName)
	if err != nil {
		if errors.Is(err, db.ErrPackageNotFound) {
			logger.Infof("news :: unknown package %s in %s", packageName, msgid)
			metrics.MessagesProcessedTotal.WithLabelValues("news", "dropped").Inc()
			return nil
		}
		return err
	}

	var item *db.NewsItem
	if url := entity.Header.Get(consts.HeaderURL); url != "" {
		item, err = s.createLinkItem(ctx, pkg, url)
	} else {
		item, err = s.createMessageItem(ctx, pkg, entity, raw)
	}
	if err != nil {
		return err
	}

	logger.Infof("news => %s item %d for %s", item.ContentType, item.ID, pkg.Name)
	metrics.MessagesProcessedTotal.WithLabelValues("news", "ok").Inc()
	return nil
}

// createMessageItem stores the raw message in object storage under its
// content hash and records an item pointing at it. Identical bodies filed
// for several packages share one stored object per package key.
func (s *Service) createMessageItem(ctx context.Context, pkg *db.Package, entity *message.Entity, raw []byte) (*db.NewsItem, error) {
	title, createdBy := messageItemAttribution(entity)

	hash := helpers.HashContent(raw)
	if _, err := s.objects.PutDeduplicated(helpers.NewsKey(pkg.Name, hash), raw); err != nil {
		return nil, fmt.Errorf("failed to store news body: %w", err)
	}

	item, err := s.store.CreateNews(ctx, pkg.Name, title, "message/rfc822", hash, "", createdBy)
	if err != nil {
		return nil, err
	}
	metrics.NewsCreatedTotal.WithLabelValues("message").Inc()
	return item, nil
}

// createLinkItem records an item whose content is a link to the announced
// address rather than the message itself.
func (s *Service) createLinkItem(ctx context.Context, pkg *db.Package, url string) (*db.NewsItem, error) {
	escaped := html.EscapeString(url)
	content := fmt.Sprintf("<a href=%s>%s</a>", escaped, escaped)

	item, err := s.store.CreateNews(ctx, pkg.Name, url, "text/html", "", content, "")
	if err != nil {
		return nil, err
	}
	metrics.NewsCreatedTotal.WithLabelValues("link").Inc()
	return item, nil
}

// messageItemAttribution derives the item title and author from the message
// headers. The title is the subject; a message without one is titled after
// its sender instead. The author is the sender's display name, which may be
// empty.
func messageItemAttribution(entity *message.Entity) (title, createdBy string) {
	header := mail.Header{Header: entity.Header}

	from, err := header.Text("From")
	if err != nil || from == "" {
		from = entity.Header.Get("From")
	}
	if from == "" {
		from = "unknown"
	}
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		createdBy = list[0].Name
	}

	title, err = header.Subject()
	if err != nil || title == "" {
		title = entity.Header.Get("Subject")
	}
	if title == "" {
		title = fmt.Sprintf("Email news from %s", from)
	}
	// Subjects and display names come straight off the wire and may carry
	// bytes PostgreSQL text columns reject.
	return helpers.SanitizeUTF8(title), helpers.SanitizeUTF8(createdBy)
}

func messageID(entity *message.Entity) string {
	if id := entity.Header.Get("Message-ID"); id != "" {
		return id
	}
	return "no-msgid-present@localhost"
}
