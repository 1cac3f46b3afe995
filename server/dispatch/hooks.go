package dispatch

import (
	"errors"

	"github.com/emersion/go-message"
)

// ErrSkipMessage is returned by a classifier hook to tell the dispatcher to
// silently drop the message being processed. The drop is reported as success.
var ErrSkipMessage = errors.New("message skipped by classifier")

// Header is one header pair a hook wants stamped on outbound copies.
type Header struct {
	Name  string
	Value string
}

// Hooks lets a deployment plug distribution-specific policy into the
// dispatcher. Every method has a neutral default behavior; implementations
// embed NopHooks and override what they need.
type Hooks interface {
	// ClassifyMessage resolves which packages a message is about and under
	// which keyword it should be forwarded. The hints carry what the
	// delivery address and the tracker headers already revealed. Returning
	// handled=false leaves the hints in force. Returning ErrSkipMessage
	// drops the message silently.
	ClassifyMessage(msg *message.Entity, pkgHint, kwHint string) (packages []string, keyword string, handled bool, err error)

	// ApproveDefaultMessage decides whether a message tagged with the
	// default keyword may be forwarded without an approval header.
	ApproveDefaultMessage(msg *message.Entity) bool

	// ExtraHeaders returns additional headers stamped on every outbound
	// copy of the message.
	ExtraHeaders(msg *message.Entity, pkg, keyword string) []Header
}

// NopHooks is the neutral Hooks implementation: hints win, unapproved
// default-keyword mail is dropped, no extra headers.
type NopHooks struct{}

func (NopHooks) ClassifyMessage(*message.Entity, string, string) ([]string, string, bool, error) {
	return nil, "", false, nil
}

func (NopHooks) ApproveDefaultMessage(*message.Entity) bool { return false }

func (NopHooks) ExtraHeaders(*message.Entity, string, string) []Header { return nil }
