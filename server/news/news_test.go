package news

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-message"
	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/helpers"
	"github.com/pkgwatch/herald/server/delivery"
)

type createdNews struct {
	pkg         string
	title       string
	contentType string
	contentHash string
	content     string
	createdBy   string
}

// mockStore is an in-memory Store recording every created item.
type mockStore struct {
	packages map[string]*db.Package
	created  []createdNews
}

func newMockStore(packageNames ...string) *mockStore {
	m := &mockStore{packages: make(map[string]*db.Package)}
	for i, name := range packageNames {
		m.packages[name] = &db.Package{ID: int64(i + 1), Name: name, Source: true}
	}
	return m
}

func (m *mockStore) GetPackageByName(_ context.Context, name string) (*db.Package, error) {
	pkg, ok := m.packages[name]
	if !ok {
		return nil, db.ErrPackageNotFound
	}
	return pkg, nil
}

func (m *mockStore) CreateNews(_ context.Context, pkg, title, contentType, contentHash, content, createdBy string) (*db.NewsItem, error) {
	m.created = append(m.created, createdNews{
		pkg: pkg, title: title, contentType: contentType,
		contentHash: contentHash, content: content, createdBy: createdBy,
	})
	return &db.NewsItem{
		ID: int64(len(m.created)), Package: pkg, Title: title,
		ContentType: contentType, ContentHash: contentHash,
		Content: content, CreatedBy: createdBy,
	}, nil
}

// mockObjects is an in-memory ObjectStore with the same dedupe contract as
// the S3 one.
type mockObjects struct {
	stored  map[string][]byte
	uploads int
}

func newMockObjects() *mockObjects {
	return &mockObjects{stored: make(map[string][]byte)}
}

func (m *mockObjects) PutDeduplicated(key string, data []byte) (bool, error) {
	if _, ok := m.stored[key]; ok {
		return false, nil
	}
	m.stored[key] = append([]byte(nil), data...)
	m.uploads++
	return true, nil
}

type testHooks struct {
	NopHooks
	created bool
	handled bool
	calls   int
}

func (h *testHooks) CreateNewsFromMessage(_ *message.Entity, _ []byte) (bool, bool, error) {
	h.calls++
	return h.created, h.handled, nil
}

func newsMessage(extraHeaders, body string) []byte {
	return []byte("From: John Doe <john@example.com>\r\n" +
		"To: news@tracker.test\r\n" +
		"Message-ID: <news-1@example.com>\r\n" +
		extraHeaders +
		"\r\n" +
		body)
}

func TestProcessCreatesNewsFromEmail(t *testing.T) {
	store := newMockStore("dummy-package")
	objects := newMockObjects()
	svc := NewService(store, objects, nil)

	raw := newsMessage("Subject: Some message\r\n"+
		"X-Distro-Tracker-Package: dummy-package\r\n",
		"Some message content\r\n")
	if err := svc.Process(context.Background(), raw); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("Expected 1 news item, got %d", len(store.created))
	}
	item := store.created[0]
	if item.pkg != "dummy-package" {
		t.Errorf("Package: %s", item.pkg)
	}
	if item.title != "Some message" {
		t.Errorf("Title: %s", item.title)
	}
	if item.contentType != "message/rfc822" {
		t.Errorf("Content type: %s", item.contentType)
	}
	if item.createdBy != "John Doe" {
		t.Errorf("Created by: %s", item.createdBy)
	}
	if item.content != "" {
		t.Errorf("Message items must not carry inline content: %q", item.content)
	}

	wantHash := helpers.HashContent(raw)
	if item.contentHash != wantHash {
		t.Errorf("Content hash: %s, want %s", item.contentHash, wantHash)
	}
	stored, ok := objects.stored[helpers.NewsKey("dummy-package", wantHash)]
	if !ok {
		t.Fatalf("Raw message not stored, keys: %v", keysOf(objects.stored))
	}
	if string(stored) != string(raw) {
		t.Errorf("Stored body differs from the received message")
	}
}

func TestProcessCreatesLinkItem(t *testing.T) {
	store := newMockStore("dummy-package")
	objects := newMockObjects()
	svc := NewService(store, objects, nil)

	raw := newsMessage("Subject: Some message\r\n"+
		"X-Distro-Tracker-Package: dummy-package\r\n"+
		"X-Distro-Tracker-Url: http://some-url.com\r\n",
		"Some message content\r\n")
	if err := svc.Process(context.Background(), raw); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("Expected 1 news item, got %d", len(store.created))
	}
	item := store.created[0]
	if item.title != "http://some-url.com" {
		t.Errorf("Title: %s", item.title)
	}
	if item.contentType != "text/html" {
		t.Errorf("Content type: %s", item.contentType)
	}
	if item.content != "<a href=http://some-url.com>http://some-url.com</a>" {
		t.Errorf("Content: %s", item.content)
	}
	if item.contentHash != "" {
		t.Errorf("Link items must not reference object storage: %s", item.contentHash)
	}
	if objects.uploads != 0 {
		t.Errorf("Link items must not upload the message, got %d uploads", objects.uploads)
	}
}

func TestProcessLinkEscapesURL(t *testing.T) {
	store := newMockStore("dummy-package")
	svc := NewService(store, newMockObjects(), nil)

	raw := newsMessage("X-Distro-Tracker-Package: dummy-package\r\n"+
		"X-Distro-Tracker-Url: http://some-url.com/?a=1&b=<2>\r\n", "")
	if err := svc.Process(context.Background(), raw); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := "<a href=http://some-url.com/?a=1&amp;b=&lt;2&gt;>" +
		"http://some-url.com/?a=1&amp;b=&lt;2&gt;</a>"
	if got := store.created[0].content; got != want {
		t.Errorf("Content:\n%s\nwant:\n%s", got, want)
	}
	// The title keeps the raw address.
	if got := store.created[0].title; got != "http://some-url.com/?a=1&b=<2>" {
		t.Errorf("Title: %s", got)
	}
}

func TestProcessUnknownPackageDropped(t *testing.T) {
	store := newMockStore()
	objects := newMockObjects()
	svc := NewService(store, objects, nil)

	raw := newsMessage("Subject: Some message\r\n"+
		"X-Distro-Tracker-Package: no-exist\r\n",
		"Some message content\r\n")
	if err := svc.Process(context.Background(), raw); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(store.created) != 0 {
		t.Errorf("No news must be created for unknown packages: %v", store.created)
	}
	if objects.uploads != 0 {
		t.Errorf("Nothing must be uploaded, got %d uploads", objects.uploads)
	}
}

func TestProcessNoPackageHeader(t *testing.T) {
	store := newMockStore("dummy-package")
	svc := NewService(store, newMockObjects(), nil)

	raw := newsMessage("Subject: Some message\r\n", "Some message content\r\n")
	if err := svc.Process(context.Background(), raw); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(store.created) != 0 {
		t.Errorf("No news must be created without the package header: %v", store.created)
	}
}

func TestProcessHookCreatesItem(t *testing.T) {
	store := newMockStore("dummy-package")
	objects := newMockObjects()
	hooks := &testHooks{created: true, handled: true}
	svc := NewService(store, objects, hooks)

	raw := newsMessage("Subject: Some message\r\n"+
		"X-Distro-Tracker-Package: dummy-package\r\n",
		"Some message content\r\n")
	if err := svc.Process(context.Background(), raw); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if hooks.calls != 1 {
		t.Errorf("Hook called %d times", hooks.calls)
	}
	// The hook claimed the message, so the header path must not run again.
	if len(store.created) != 0 || objects.uploads != 0 {
		t.Errorf("Header path ran despite the hook: %v", store.created)
	}
}

func TestProcessHookDeclines(t *testing.T) {
	store := newMockStore("dummy-package")
	hooks := &testHooks{created: false, handled: true}
	svc := NewService(store, newMockObjects(), hooks)

	raw := newsMessage("Subject: Some message\r\n"+
		"X-Distro-Tracker-Package: dummy-package\r\n",
		"Some message content\r\n")
	if err := svc.Process(context.Background(), raw); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// A hook that made nothing leaves the header convention in force.
	if len(store.created) != 1 {
		t.Fatalf("Expected the header path to create the item, got %d", len(store.created))
	}
}

func TestProcessTitleFallsBackToSender(t *testing.T) {
	store := newMockStore("dummy-package")
	svc := NewService(store, newMockObjects(), nil)

	raw := newsMessage("X-Distro-Tracker-Package: dummy-package\r\n",
		"Some message content\r\n")
	if err := svc.Process(context.Background(), raw); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := "Email news from John Doe <john@example.com>"
	if got := store.created[0].title; got != want {
		t.Errorf("Title: %q, want %q", got, want)
	}
}

func TestProcessRepeatedMessageSharesStoredBody(t *testing.T) {
	store := newMockStore("dummy-package")
	objects := newMockObjects()
	svc := NewService(store, objects, nil)

	raw := newsMessage("Subject: Some message\r\n"+
		"X-Distro-Tracker-Package: dummy-package\r\n",
		"Some message content\r\n")
	for i := 0; i < 2; i++ {
		if err := svc.Process(context.Background(), raw); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}

	// Both runs record an item, the body is uploaded once.
	if len(store.created) != 2 {
		t.Errorf("Expected 2 news items, got %d", len(store.created))
	}
	if objects.uploads != 1 {
		t.Errorf("Expected a single upload, got %d", objects.uploads)
	}
}

func TestProcessMalformedMessage(t *testing.T) {
	svc := NewService(newMockStore(), newMockObjects(), nil)

	err := svc.Process(context.Background(), []byte("no header colon"))
	if err == nil {
		t.Fatalf("Expected an error for a malformed message")
	}
	var relayErr *delivery.RelayError
	if !errors.As(err, &relayErr) || !relayErr.Permanent {
		t.Errorf("Malformed messages must fail permanently, got %v", err)
	}
}

func keysOf(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
