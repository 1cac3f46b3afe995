package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/pkgwatch/herald/config"
	"github.com/pkgwatch/herald/server/delivery"
)

type dispatchCall struct {
	pkg     string
	keyword string
}

// recordingDispatch stands in for the dispatch service and records every
// call routed to it.
type recordingDispatch struct {
	calls   []dispatchCall
	bounces []string
	err     error
}

func (d *recordingDispatch) Process(ctx context.Context, raw []byte, pkgHint, kwHint string) error {
	d.calls = append(d.calls, dispatchCall{pkgHint, kwHint})
	return d.err
}

func (d *recordingDispatch) HandleBounce(ctx context.Context, envelopeTo string, raw []byte) error {
	d.bounces = append(d.bounces, envelopeTo)
	return d.err
}

type recordingControl struct {
	calls int
	err   error
}

func (c *recordingControl) Process(ctx context.Context, raw []byte) error {
	c.calls++
	return c.err
}

func newTestService(acceptUnqualified bool) (*Service, *recordingDispatch, *recordingControl) {
	dispatch := &recordingDispatch{}
	control := &recordingControl{}
	svc := NewService(dispatch, control, &config.TrackerConfig{
		FQDN:                    "tracker.test",
		AcceptUnqualifiedEmails: acceptUnqualified,
	})
	return svc, dispatch, control
}

// routedMessage builds a minimal message carrying the given headers, in
// order and with repeats preserved.
func routedMessage(headers ...[2]string) []byte {
	var b strings.Builder
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	b.WriteString("Subject: A subject\r\n\r\nBody\r\n")
	return []byte(b.String())
}

func TestRoutesByEnvelopeRecipient(t *testing.T) {
	svc, dispatch, control := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "someone@example.com", "dispatch@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.calls) != 1 || dispatch.calls[0] != (dispatchCall{}) {
		t.Errorf("dispatch calls = %v, want one call without hints", dispatch.calls)
	}
	if control.calls != 0 {
		t.Errorf("control ran %d times, want 0", control.calls)
	}
}

func TestRouteDispatchWithPackage(t *testing.T) {
	svc, dispatch, _ := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "", "dispatch+dpkg@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.calls) != 1 || dispatch.calls[0] != (dispatchCall{pkg: "dpkg"}) {
		t.Errorf("dispatch calls = %v, want [{dpkg }]", dispatch.calls)
	}
}

func TestRouteDispatchWithPackageAndKeyword(t *testing.T) {
	svc, dispatch, _ := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "", "dispatch+dpkg_bts@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.calls) != 1 || dispatch.calls[0] != (dispatchCall{pkg: "dpkg", keyword: "bts"}) {
		t.Errorf("dispatch calls = %v, want [{dpkg bts}]", dispatch.calls)
	}
}

func TestRouteDispatchSplitsKeywordOnFirstUnderscore(t *testing.T) {
	svc, dispatch, _ := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "", "dispatch+foo_bar_baz@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.calls) != 1 || dispatch.calls[0] != (dispatchCall{pkg: "foo", keyword: "bar_baz"}) {
		t.Errorf("dispatch calls = %v, want [{foo bar_baz}]", dispatch.calls)
	}
}

func TestRouteDispatchKeepsPlusInPackageName(t *testing.T) {
	svc, dispatch, _ := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "", "dispatch+gtk+3.0@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.calls) != 1 || dispatch.calls[0] != (dispatchCall{pkg: "gtk+3.0"}) {
		t.Errorf("dispatch calls = %v, want [{gtk+3.0 }]", dispatch.calls)
	}
}

func TestRouteControl(t *testing.T) {
	svc, dispatch, control := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "", "control@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if control.calls != 1 {
		t.Errorf("control ran %d times, want 1", control.calls)
	}
	if len(dispatch.calls) != 0 || len(dispatch.bounces) != 0 {
		t.Errorf("dispatch was called: %v %v", dispatch.calls, dispatch.bounces)
	}
}

func TestRouteBouncesKeepsFullAddress(t *testing.T) {
	svc, dispatch, _ := newTestService(false)

	addr := "bounces+20250821-alice=example.com@tracker.test"
	err := svc.ProcessMessage(context.Background(), "", addr, routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.bounces) != 1 || dispatch.bounces[0] != addr {
		t.Errorf("bounce addresses = %v, want [%s]", dispatch.bounces, addr)
	}
}

func TestRouteBouncesWithoutDetails(t *testing.T) {
	svc, dispatch, _ := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "", "bounces@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.bounces) != 1 || dispatch.bounces[0] != "bounces@tracker.test" {
		t.Errorf("bounce addresses = %v, want [bounces@tracker.test]", dispatch.bounces)
	}
}

func TestUnknownServiceIsRejected(t *testing.T) {
	svc, dispatch, control := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "", "unknown@tracker.test", routedMessage())
	if !errors.Is(err, ErrInvalidDeliveryAddress) {
		t.Fatalf("error = %v, want ErrInvalidDeliveryAddress", err)
	}
	if !delivery.IsPermanentError(err) {
		t.Error("address errors must be permanent")
	}
	if len(dispatch.calls) != 0 || control.calls != 0 {
		t.Error("no pipeline should have run")
	}
}

func TestUnknownServiceDispatchesWhenUnqualifiedAccepted(t *testing.T) {
	svc, dispatch, _ := newTestService(true)

	err := svc.ProcessMessage(context.Background(), "", "unknown@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.calls) != 1 || dispatch.calls[0] != (dispatchCall{pkg: "unknown"}) {
		t.Errorf("dispatch calls = %v, want [{unknown }]", dispatch.calls)
	}
}

func TestUnqualifiedUsesWholeLocalPart(t *testing.T) {
	// gtk+3.0 parses as service gtk with details 3.0, which is no known
	// service, so the whole local part must come back as the package name.
	svc, dispatch, _ := newTestService(true)

	err := svc.ProcessMessage(context.Background(), "", "gtk+3.0@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.calls) != 1 || dispatch.calls[0] != (dispatchCall{pkg: "gtk+3.0"}) {
		t.Errorf("dispatch calls = %v, want [{gtk+3.0 }]", dispatch.calls)
	}
}

func TestUnqualifiedSplitsKeyword(t *testing.T) {
	svc, dispatch, _ := newTestService(true)

	err := svc.ProcessMessage(context.Background(), "", "dpkg_bts@tracker.test", routedMessage())
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.calls) != 1 || dispatch.calls[0] != (dispatchCall{pkg: "dpkg", keyword: "bts"}) {
		t.Errorf("dispatch calls = %v, want [{dpkg bts}]", dispatch.calls)
	}
}

func TestForeignRecipientIsRejected(t *testing.T) {
	svc, dispatch, control := newTestService(true)

	err := svc.ProcessMessage(context.Background(), "", "dispatch@elsewhere.test", routedMessage())
	if !errors.Is(err, ErrInvalidDeliveryAddress) {
		t.Fatalf("error = %v, want ErrInvalidDeliveryAddress", err)
	}
	if !delivery.IsPermanentError(err) {
		t.Error("address errors must be permanent")
	}
	if len(dispatch.calls) != 0 || control.calls != 0 {
		t.Error("no pipeline should have run")
	}
}

func TestFindsAddressInEachDeliveryHeader(t *testing.T) {
	for _, header := range []string{"Delivered-To", "Envelope-To", "X-Original-To", "X-Envelope-To"} {
		t.Run(header, func(t *testing.T) {
			svc, _, control := newTestService(false)

			raw := routedMessage([2]string{header, "control@tracker.test"})
			if err := svc.ProcessMessage(context.Background(), "", "", raw); err != nil {
				t.Fatalf("ProcessMessage failed: %v", err)
			}
			if control.calls != 1 {
				t.Errorf("control ran %d times, want 1", control.calls)
			}
		})
	}
}

func TestIgnoresForeignAndSubdomainAddresses(t *testing.T) {
	svc, _, _ := newTestService(false)

	raw := routedMessage(
		[2]string{"Envelope-To", "control@tracker.example.org"},
		[2]string{"Delivered-To", "control@sub.tracker.test"},
	)
	err := svc.ProcessMessage(context.Background(), "", "", raw)
	if !errors.Is(err, ErrMissingDeliveryAddress) {
		t.Fatalf("error = %v, want ErrMissingDeliveryAddress", err)
	}
	if !delivery.IsPermanentError(err) {
		t.Error("address errors must be permanent")
	}
}

func TestScansEveryCopyOfADeliveryHeader(t *testing.T) {
	svc, dispatch, _ := newTestService(false)

	raw := routedMessage(
		[2]string{"Delivered-To", "foo@bar"},
		[2]string{"Delivered-To", "dispatch+dpkg@tracker.test"},
		[2]string{"Delivered-To", "foo@baz"},
	)
	if err := svc.ProcessMessage(context.Background(), "", "", raw); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if len(dispatch.calls) != 1 || dispatch.calls[0] != (dispatchCall{pkg: "dpkg"}) {
		t.Errorf("dispatch calls = %v, want [{dpkg }]", dispatch.calls)
	}
}

func TestConflictingDeliveryAddresses(t *testing.T) {
	svc, _, _ := newTestService(false)

	raw := routedMessage(
		[2]string{"Delivered-To", "foo@tracker.test"},
		[2]string{"Delivered-To", "bar@tracker.test"},
	)
	err := svc.ProcessMessage(context.Background(), "", "", raw)
	if !errors.Is(err, ErrConflictingDeliveryAddresses) {
		t.Fatalf("error = %v, want ErrConflictingDeliveryAddresses", err)
	}
	if !delivery.IsPermanentError(err) {
		t.Error("address errors must be permanent")
	}
}

func TestSameAddressTwiceIsNotAConflict(t *testing.T) {
	svc, _, control := newTestService(false)

	raw := routedMessage(
		[2]string{"Delivered-To", "control@tracker.test"},
		[2]string{"X-Original-To", "control@tracker.test"},
	)
	if err := svc.ProcessMessage(context.Background(), "", "", raw); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if control.calls != 1 {
		t.Errorf("control ran %d times, want 1", control.calls)
	}
}

func TestMissingDeliveryAddress(t *testing.T) {
	svc, _, _ := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "", "", routedMessage())
	if !errors.Is(err, ErrMissingDeliveryAddress) {
		t.Fatalf("error = %v, want ErrMissingDeliveryAddress", err)
	}
	if !delivery.IsPermanentError(err) {
		t.Error("address errors must be permanent")
	}
}

func TestMalformedMessageIsPermanent(t *testing.T) {
	svc, _, _ := newTestService(false)

	err := svc.ProcessMessage(context.Background(), "", "", []byte("no header colon"))
	if err == nil {
		t.Fatal("expected an error for an unparseable message")
	}
	var relayErr *delivery.RelayError
	if !errors.As(err, &relayErr) || !relayErr.Permanent {
		t.Errorf("error = %v, want permanent relay error", err)
	}
}

func TestPipelineErrorsPropagate(t *testing.T) {
	svc, dispatch, _ := newTestService(false)
	dispatch.err = errors.New("database gone")

	err := svc.ProcessMessage(context.Background(), "", "dispatch@tracker.test", routedMessage())
	if !errors.Is(err, dispatch.err) {
		t.Fatalf("error = %v, want the dispatch error", err)
	}
	if delivery.IsPermanentError(err) {
		t.Error("pipeline errors must keep their own classification")
	}
}

func TestSenderDomain(t *testing.T) {
	cases := []struct {
		sender string
		want   string
	}{
		{"alice@Example.COM", "example.com"},
		{"Alice <alice@example.com>", "example.com"},
		{"", ""},
		{"no-at-sign", ""},
	}
	for _, tc := range cases {
		if got := senderDomain(tc.sender); got != tc.want {
			t.Errorf("senderDomain(%q) = %q, want %q", tc.sender, got, tc.want)
		}
	}
}
