package control

import (
	"context"
	"strings"

	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
	"github.com/pkgwatch/herald/server/delivery"
)

type pendingConfirmation struct {
	commands []string
	notes    []string
}

// confirmationSet collects the commands of one control run that still need
// the affected address's opt-in, grouped by that address. The asking mails go
// out only once the whole message has been processed.
type confirmationSet struct {
	order   []string
	pending map[string]*pendingConfirmation
}

func newConfirmationSet() *confirmationSet {
	return &confirmationSet{pending: make(map[string]*pendingConfirmation)}
}

func (c *confirmationSet) add(email, commandText, note string) {
	p, ok := c.pending[email]
	if !ok {
		p = &pendingConfirmation{}
		c.pending[email] = p
		c.order = append(c.order, email)
	}
	p.commands = append(p.commands, commandText)
	p.notes = append(p.notes, note)
}

// emails returns the addresses a confirmation mail goes to, in first-seen
// order.
func (c *confirmationSet) emails() []string {
	return append([]string(nil), c.order...)
}

// sendConfirmations mails one confirmation request per affected address. All
// commands of the run referencing the address are covered by a single key.
func (s *Service) sendConfirmations(ctx context.Context, set *confirmationSet) error {
	for _, email := range set.order {
		pending := set.pending[email]
		conf, err := s.store.CreateCommandConfirmation(ctx, email, strings.Join(pending.commands, "\n"))
		if err != nil {
			return err
		}
		metrics.ConfirmationsTotal.WithLabelValues("created").Inc()

		msg := &delivery.TextMessage{
			From:    s.controlEmail,
			To:      []string{email},
			Subject: "CONFIRM " + conf.Key,
			Body:    s.confirmationBody(conf, pending.notes),
		}
		data, err := s.composer.Compose(msg)
		if err != nil {
			return err
		}
		if err := s.relay.Send(s.bouncesEmail, msg.Recipients(), data); err != nil {
			return err
		}
		logger.Infof("control => confirmation token sent to %s", email)
	}
	return nil
}

func (s *Service) confirmationBody(conf *db.CommandConfirmation, notes []string) string {
	var b strings.Builder
	b.WriteString("Please confirm the execution of the following commands:\n\n")
	for _, command := range strings.Split(conf.Commands, "\n") {
		b.WriteString("  " + command + "\n")
	}
	for _, note := range notes {
		if note == "" {
			continue
		}
		b.WriteString("\n" + note + "\n")
	}
	b.WriteString("\nTo do so, send a mail to " + s.controlEmail + " containing the line:\n\n")
	b.WriteString("CONFIRM " + conf.Key + "\n\n")
	b.WriteString("If you did not request this, simply ignore this message.\n")
	return b.String()
}

// replayConfirmedCommands runs the stored command lines of a consumed
// confirmation through a fresh processor and reports the outcome to the
// confirm command's transcript.
func (s *Service) replayConfirmedCommands(ctx context.Context, commands string, t *transcript) error {
	metrics.ConfirmationsTotal.WithLabelValues("confirmed").Inc()

	proc := s.newProcessor("", true, nil)
	if err := proc.process(ctx, splitLines(commands)); err != nil {
		return err
	}
	if proc.success() {
		t.replyf("Successfully confirmed commands:")
	} else {
		t.errorf("No commands confirmed.")
	}
	t.replyf("%s", proc.output())
	return nil
}
