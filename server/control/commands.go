package control

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/helpers"
	"github.com/pkgwatch/herald/pkg/metrics"
)

// transcript collects the reply lines of one command execution.
type transcript struct {
	lines []string
}

func (t *transcript) replyf(format string, args ...any) {
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}

func (t *transcript) warnf(format string, args ...any) {
	t.lines = append(t.lines, "Warning: "+fmt.Sprintf(format, args...))
}

func (t *transcript) errorf(format string, args ...any) {
	t.lines = append(t.lines, "Error: "+fmt.Sprintf(format, args...))
}

func (t *transcript) list(items []string) {
	for _, item := range items {
		t.lines = append(t.lines, "* "+item)
	}
}

func (t *transcript) render() string {
	return strings.Join(t.lines, "\n")
}

// runContext carries the state one command execution sees.
type runContext struct {
	ctx           context.Context
	svc           *Service
	sender        string
	confirmed     bool
	confirmations *confirmationSet
}

// commandSpec describes one control command: the lines it recognizes and
// what running it does. Commands that need the subscriber's opt-in carry a
// preConfirm step which runs instead of run until the stored command text is
// replayed through a confirmed processor.
type commandSpec struct {
	name        string
	aliases     []string
	description string

	// argNames lists the named groups, in the order they appear in the
	// canonical command text. The canonical text is the dedupe key and the
	// line stored for confirmation replay.
	argNames []string
	patterns []*regexp.Regexp

	needsConfirmation bool
	run               func(rc *runContext, args map[string]string, t *transcript) error
	preConfirm        func(rc *runContext, args map[string]string, t *transcript) (bool, error)
	confirmationNote  func(args map[string]string) string
}

// compilePatterns anchors each expression behind the command name or one of
// its aliases, matched case-insensitively.
func compilePatterns(name string, aliases []string, exprs ...string) []*regexp.Regexp {
	alternation := strings.Join(append([]string{name}, aliases...), "|")
	patterns := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		patterns = append(patterns, regexp.MustCompile(`(?i)^(?:`+alternation+`)`+expr))
	}
	return patterns
}

// match tries the command's patterns against a line and returns the named
// arguments of the first one that matches.
func (c *commandSpec) match(line string) (map[string]string, bool) {
	for _, re := range c.patterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		args := make(map[string]string)
		for i, name := range re.SubexpNames() {
			if name != "" {
				args[name] = m[i]
			}
		}
		return args, true
	}
	return nil, false
}

// canonicalText renders the command back to its normalized one-line form,
// name first, arguments in declaration order.
func (c *commandSpec) canonicalText(args map[string]string) string {
	parts := make([]string, 0, len(c.argNames)+1)
	parts = append(parts, c.name)
	for _, name := range c.argNames {
		parts = append(parts, args[name])
	}
	return strings.Join(parts, " ")
}

// newCommandSet builds the command table. The slice order is both the match
// order for incoming lines and the order of the help output.
func newCommandSet() []*commandSpec {
	return []*commandSpec{
		subscribeCommand(),
		unsubscribeCommand(),
		confirmCommand(),
		whichCommand(),
		helpCommand(),
		whoCommand(),
		quitCommand(),
		unsubscribeallCommand(),
		viewDefaultKeywordsCommand(),
		viewPackageKeywordsCommand(),
		setDefaultKeywordsCommand(),
		setPackageKeywordsCommand(),
		joinTeamCommand(),
		leaveTeamCommand(),
		listTeamPackagesCommand(),
		whichTeamsCommand(),
	}
}

// resolveSourcePackage rewrites args["package"] to the source package a
// subscription should target. A binary package name resolves to the source
// package building it; any other name stays as given with a warning, since
// subscribing to a not yet known package is allowed.
func resolveSourcePackage(rc *runContext, args map[string]string, t *transcript, warnPseudo bool) error {
	name := args["package"]
	pkg, err := rc.svc.store.GetPackageByName(rc.ctx, name)
	if err != nil && !errors.Is(err, db.ErrPackageNotFound) {
		return err
	}
	if pkg != nil && pkg.Source {
		return nil
	}

	src, err := rc.svc.store.GetSourceForBinary(rc.ctx, name)
	if err == nil {
		t.warnf("%s is not a source package.", name)
		t.replyf("%s is the source package for the %s binary package", src.Name, name)
		args["package"] = src.Name
		return nil
	}
	if !errors.Is(err, db.ErrPackageNotFound) {
		return err
	}

	t.warnf("%s is neither a source package nor a binary package.", name)
	if warnPseudo {
		if pkg != nil && pkg.Pseudo {
			t.warnf("Package %s is a pseudo package.", name)
		} else {
			t.warnf("Package %s is not even a pseudo package.", name)
		}
	}
	return nil
}

func subscribeCommand() *commandSpec {
	c := &commandSpec{
		name: "subscribe",
		description: "subscribe <srcpackage> [<email>]\n" +
			"  Subscribes <email> to all messages regarding <srcpackage>. If\n" +
			"  <email> is not given, it subscribes the From address. If the\n" +
			"  <srcpackage> is not a valid source package, you'll get a warning.\n" +
			"  If it's a valid binary package, the mapping will automatically be\n" +
			"  done for you.",
		argNames:          []string{"package", "email"},
		needsConfirmation: true,
	}
	c.patterns = compilePatterns(c.name, c.aliases, `\s+(?P<package>\S+)(?:\s+(?P<email>\S+))?$`)

	c.preConfirm = func(rc *runContext, args map[string]string, t *transcript) (bool, error) {
		email := args["email"]
		subscribed, err := rc.svc.store.IsSubscribed(rc.ctx, args["package"], email)
		if err != nil {
			return false, err
		}
		if subscribed {
			t.warnf("%s is already subscribed to %s", email, args["package"])
			return false, nil
		}

		if err := resolveSourcePackage(rc, args, t, true); err != nil {
			return false, err
		}

		if err := helpers.ValidateEmailAddress(email); err != nil {
			t.warnf("%s", err)
			return false, nil
		}
		// Record the pending subscription inactive; confirming flips it live.
		if _, err := rc.svc.store.CreateSubscription(rc.ctx, args["package"], email, false); err != nil {
			if errors.Is(err, db.ErrInvalidPackageName) {
				t.warnf("Invalid package name: %s", args["package"])
				return false, nil
			}
			return false, err
		}

		t.replyf("A confirmation mail has been sent to %s", email)
		return true, nil
	}
	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		email := args["email"]
		if err := helpers.ValidateEmailAddress(email); err != nil {
			t.errorf("Could not subscribe %s to %s", email, args["package"])
			return nil
		}
		if _, err := rc.svc.store.CreateSubscription(rc.ctx, args["package"], email, true); err != nil {
			if errors.Is(err, db.ErrInvalidPackageName) {
				t.errorf("Could not subscribe %s to %s", email, args["package"])
				return nil
			}
			return err
		}
		t.replyf("%s has been subscribed to %s", email, args["package"])
		return nil
	}
	c.confirmationNote = func(args map[string]string) string {
		return fmt.Sprintf("This will subscribe you to every message regarding the %s package.",
			args["package"])
	}
	return c
}

func unsubscribeCommand() *commandSpec {
	c := &commandSpec{
		name: "unsubscribe",
		description: "unsubscribe <srcpackage> [<email>]\n" +
			"  Unsubscribes <email> from <srcpackage>. Like the subscribe command,\n" +
			"  it will use the From address if <email> is not given.",
		argNames:          []string{"package", "email"},
		needsConfirmation: true,
	}
	c.patterns = compilePatterns(c.name, c.aliases, `\s+(?P<package>\S+)(?:\s+(?P<email>\S+))?$`)

	c.preConfirm = func(rc *runContext, args map[string]string, t *transcript) (bool, error) {
		if err := resolveSourcePackage(rc, args, t, false); err != nil {
			return false, err
		}
		email := args["email"]
		subscribed, err := rc.svc.store.IsSubscribed(rc.ctx, args["package"], email)
		if err != nil {
			return false, err
		}
		if !subscribed {
			t.errorf("%s is not subscribed, you can't unsubscribe.", email)
			return false, nil
		}
		t.replyf("A confirmation mail has been sent to %s", email)
		return true, nil
	}
	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		email := args["email"]
		removed, err := rc.svc.store.DeleteSubscription(rc.ctx, args["package"], email)
		if err != nil {
			return err
		}
		if removed {
			t.replyf("%s has been unsubscribed from %s", email, args["package"])
		} else {
			t.errorf("Could not unsubscribe %s from %s", email, args["package"])
		}
		return nil
	}
	c.confirmationNote = func(args map[string]string) string {
		return fmt.Sprintf("This will cancel the subscription to the %s package.", args["package"])
	}
	return c
}

func confirmCommand() *commandSpec {
	c := &commandSpec{
		name: "confirm",
		description: "confirm <confirmation-key>\n" +
			"  Confirm a previously requested action, such as subscribing or\n" +
			"  unsubscribing from a package.",
		argNames: []string{"confirmation_key"},
	}
	c.patterns = compilePatterns(c.name, c.aliases, `\s+(?P<confirmation_key>\S+)$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		key := args["confirmation_key"]

		commands, err := rc.svc.store.ConsumeCommandConfirmation(rc.ctx, key, rc.svc.expirationDays)
		if err == nil {
			return rc.svc.replayConfirmedCommands(rc.ctx, commands, t)
		}
		if !errors.Is(err, db.ErrConfirmationNotFound) {
			return err
		}

		if _, err := rc.svc.store.ConsumeMembershipConfirmation(rc.ctx, key, rc.svc.expirationDays); err == nil {
			metrics.ConfirmationsTotal.WithLabelValues("confirmed").Inc()
			t.replyf("Your team membership has been confirmed.")
			return nil
		} else if !errors.Is(err, db.ErrConfirmationNotFound) {
			return err
		}

		t.errorf("Confirmation failed: unknown key.")
		return nil
	}
	return c
}

func whichCommand() *commandSpec {
	c := &commandSpec{
		name: "which",
		description: "which [<email>]\n" +
			"  Tells you which packages <email> is subscribed to.",
		argNames: []string{"email"},
	}
	c.patterns = compilePatterns(c.name, c.aliases, `(?:\s+(?P<email>\S+))?$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		packages, err := rc.svc.store.GetSubscribedPackages(rc.ctx, args["email"])
		if err != nil {
			return err
		}
		if len(packages) == 0 {
			t.replyf("No subscriptions found")
			return nil
		}
		t.list(packages)
		return nil
	}
	return c
}

func helpCommand() *commandSpec {
	c := &commandSpec{
		name: "help",
		description: "help\n" +
			"  Shows all available commands",
	}
	c.patterns = compilePatterns(c.name, c.aliases, `$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		var b strings.Builder
		b.WriteString("The following commands are understood:\n")
		for _, spec := range rc.svc.commands {
			b.WriteString("\n")
			b.WriteString(spec.description)
			b.WriteString("\n")
		}
		t.replyf("%s", b.String())
		return nil
	}
	return c
}

func whoCommand() *commandSpec {
	c := &commandSpec{
		name: "who",
		description: "who <package>\n" +
			"  Outputs all the subscriber emails for the given package in\n" +
			"  an obfuscated form.",
		argNames: []string{"package"},
	}
	c.patterns = compilePatterns(c.name, c.aliases, `(?:\s+(?P<package>\S+))$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		name := args["package"]
		if _, err := rc.svc.store.GetPackageByName(rc.ctx, name); err != nil {
			if errors.Is(err, db.ErrPackageNotFound) {
				t.errorf("Package %s does not exist", name)
				return nil
			}
			return err
		}

		subscribers, err := rc.svc.store.GetSubscriberEmailsForPackage(rc.ctx, name)
		if err != nil {
			return err
		}
		if len(subscribers) == 0 {
			t.replyf("Package %s does not have any subscribers", name)
			return nil
		}

		t.replyf("Here's the list of subscribers to package %s:", name)
		obfuscated := make([]string, 0, len(subscribers))
		for _, email := range subscribers {
			obfuscated = append(obfuscated, helpers.ObfuscateEmailAddress(email))
		}
		t.list(obfuscated)
		return nil
	}
	return c
}

func quitCommand() *commandSpec {
	c := &commandSpec{
		name:    "quit",
		aliases: []string{"thanks", "--"},
		description: "quit\n" +
			"  Stops processing commands",
	}
	c.patterns = compilePatterns(c.name, c.aliases, `$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		t.replyf("Stopping processing here.")
		return nil
	}
	return c
}

func unsubscribeallCommand() *commandSpec {
	c := &commandSpec{
		name: "unsubscribeall",
		description: "unsubscribeall [<email>]\n" +
			"  Cancel all subscriptions of <email>. Like the subscribe command,\n" +
			"  it will use the From address if <email> is not given.",
		argNames:          []string{"email"},
		needsConfirmation: true,
	}
	c.patterns = compilePatterns(c.name, c.aliases, `(?:\s+(?P<email>\S+))?$`)

	c.preConfirm = func(rc *runContext, args map[string]string, t *transcript) (bool, error) {
		email := args["email"]
		packages, err := rc.svc.store.GetSubscribedPackages(rc.ctx, email)
		if err != nil {
			return false, err
		}
		if len(packages) == 0 {
			t.warnf("User %s is not subscribed to any packages", email)
			return false, nil
		}
		t.replyf("A confirmation mail has been sent to %s", email)
		return true, nil
	}
	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		email := args["email"]
		packages, err := rc.svc.store.UnsubscribeAll(rc.ctx, email)
		if err != nil {
			return err
		}
		if len(packages) == 0 {
			return nil
		}
		t.replyf("All your subscriptions have been terminated:")
		sort.Strings(packages)
		items := make([]string, 0, len(packages))
		for _, pkg := range packages {
			items = append(items, fmt.Sprintf("%s has been unsubscribed from %s@%s", email, pkg, rc.svc.fqdn))
		}
		t.list(items)
		return nil
	}
	c.confirmationNote = func(args map[string]string) string {
		return "This will cancel every package subscription of the address."
	}
	return c
}
