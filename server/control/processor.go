package control

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkgwatch/herald/pkg/metrics"
)

// processor consumes the command lines of a single control message. It keeps
// the quoted input interleaved with each command's reply and stops after too
// many lines that match no command.
type processor struct {
	svc           *Service
	sender        string
	confirmed     bool
	confirmations *confirmationSet

	out       []string
	errors    int
	processed map[string]bool
}

func (s *Service) newProcessor(sender string, confirmed bool, confirmations *confirmationSet) *processor {
	return &processor{
		svc:           s,
		sender:        sender,
		confirmed:     confirmed,
		confirmations: confirmations,
		processed:     make(map[string]bool),
	}
}

func (p *processor) echo(line string) {
	p.out = append(p.out, "> "+line)
}

func (p *processor) append(text string) {
	p.out = append(p.out, text)
}

func (p *processor) process(ctx context.Context, lines []string) error {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		p.echo(line)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		spec, args := p.svc.matchCommand(line)
		if spec == nil {
			p.errors++
			if p.errors == p.svc.maxErrors {
				p.append(fmt.Sprintf("%d lines without commands: stopping.", p.svc.maxErrors))
				return nil
			}
			continue
		}

		// Arguments left empty on the command line fall back to the
		// sender address.
		if v, ok := args["email"]; ok && v == "" && p.sender != "" {
			args["email"] = p.sender
		}

		if err := p.runCommand(ctx, spec, args); err != nil {
			return err
		}
		if spec.name == "quit" {
			return nil
		}
	}
	return nil
}

// runCommand executes one matched command. Repeated occurrences of the same
// command text run only once; their duplicate lines still show up quoted in
// the output.
func (p *processor) runCommand(ctx context.Context, spec *commandSpec, args map[string]string) error {
	if p.processed[spec.canonicalText(args)] {
		return nil
	}

	rc := &runContext{
		ctx:           ctx,
		svc:           p.svc,
		sender:        p.sender,
		confirmed:     p.confirmed,
		confirmations: p.confirmations,
	}
	var t transcript

	if spec.needsConfirmation && !p.confirmed {
		queue, err := spec.preConfirm(rc, args, &t)
		if err != nil {
			metrics.CommandsProcessedTotal.WithLabelValues(spec.name, "error").Inc()
			return err
		}
		// The command text is queued after preConfirm so that any package
		// name rewriting is already reflected in the stored line.
		if queue && p.confirmations != nil {
			note := ""
			if spec.confirmationNote != nil {
				note = spec.confirmationNote(args)
			}
			p.confirmations.add(args["email"], spec.canonicalText(args), note)
		}
	} else {
		if err := spec.run(rc, args, &t); err != nil {
			metrics.CommandsProcessedTotal.WithLabelValues(spec.name, "error").Inc()
			return err
		}
	}

	p.append(t.render())
	p.processed[spec.canonicalText(args)] = true
	metrics.CommandsProcessedTotal.WithLabelValues(spec.name, "ok").Inc()
	return nil
}

// success reports whether at least one command ran; only then is a reply
// sent back to the sender.
func (p *processor) success() bool {
	return len(p.processed) > 0
}

func (p *processor) output() string {
	return strings.Join(p.out, "\n")
}
