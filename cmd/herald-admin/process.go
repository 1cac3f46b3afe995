package main

// process.go - Command handlers feeding messages through the pipeline

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/pkgwatch/herald/config"
	"github.com/pkgwatch/herald/server/control"
	"github.com/pkgwatch/herald/server/delivery"
	"github.com/pkgwatch/herald/server/dispatch"
	"github.com/pkgwatch/herald/server/mailqueue"
	"github.com/pkgwatch/herald/server/news"
	"github.com/pkgwatch/herald/server/processor"
	"github.com/pkgwatch/herald/storage"
)

func handleProcess(ctx context.Context) {
	fs := flag.NewFlagSet("process", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	file := fs.String("file", "", "Message file to process instead of the spool (\"-\" for stdin)")
	sender := fs.String("sender", "", "Envelope sender of the message (with --file)")
	recipient := fs.String("recipient", "", "Delivery address of the message (with --file)")

	fs.Usage = func() {
		fmt.Printf(`Run messages through the routing pipeline

Without --file, every spool entry due for processing is run once. With
--file, the named message is processed directly without touching the spool;
when --recipient is not given, the delivery address is recovered from the
headers the MTA stamped on the message.

Usage:
  herald-admin process [options]

Options:
  --file string        Message file to process ("-" for stdin)
  --sender string      Envelope sender of the message (with --file)
  --recipient string   Delivery address of the message (with --file)
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  herald-admin process
  herald-admin process --file bounce.eml
  herald-admin process --file - --recipient dispatch+dpkg@tracker.example.com < msg.eml
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)
	if err := cfg.Tracker.Validate(); err != nil {
		log.Fatalf("Invalid [tracker] configuration: %v", err)
	}

	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	pipeline, err := buildPipeline(&cfg, database)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	if *file != "" {
		raw, err := readMessage(*file)
		if err != nil {
			log.Fatalf("Failed to read message: %v", err)
		}
		if err := pipeline.ProcessMessage(ctx, *sender, *recipient, raw); err != nil {
			log.Fatalf("Failed to process message: %v", err)
		}
		fmt.Printf("Successfully processed message (%d bytes)\n", len(raw))
		return
	}

	processed, failed, err := drainSpool(ctx, &cfg, pipeline)
	if err != nil {
		log.Fatalf("Failed to process spool: %v", err)
	}
	fmt.Printf("Spool pass complete: %d processed, %d failed\n", processed, failed)
}

// drainSpool runs every due spool entry through the pipeline once. Failed
// entries keep their attempt counters, so a later pass or the daemon retries
// them on the normal schedule.
func drainSpool(ctx context.Context, cfg *config.Config, pipeline *processor.Service) (processed, failed int, err error) {
	retrySchedule, err := cfg.Queue.GetRetrySchedule()
	if err != nil {
		return 0, 0, fmt.Errorf("invalid queue.retry_schedule: %w", err)
	}
	queue, err := mailqueue.NewDiskQueue(cfg.Queue.Path, len(retrySchedule)+1, retrySchedule)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open mail spool: %w", err)
	}
	if _, err := queue.RecoverOrphanedMessages(); err != nil {
		return 0, 0, fmt.Errorf("failed to recover stranded entries: %w", err)
	}

	for {
		msg, raw, err := queue.AcquireNext()
		if err != nil {
			return processed, failed, fmt.Errorf("failed to acquire entry: %w", err)
		}
		if msg == nil {
			return processed, failed, nil
		}

		procErr := pipeline.ProcessMessage(ctx, msg.Sender, msg.Recipient, raw)
		if procErr == nil {
			if err := queue.MarkSuccess(msg.ID); err != nil {
				return processed, failed, err
			}
			processed++
			continue
		}

		failed++
		if delivery.IsPermanentError(procErr) {
			if err := queue.MarkPermanentFailure(msg.ID, procErr.Error()); err != nil {
				return processed, failed, err
			}
		} else {
			if err := queue.MarkFailure(msg.ID, procErr.Error()); err != nil {
				return processed, failed, err
			}
		}
	}
}

func handleDispatch(ctx context.Context) {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	pkg := fs.String("package", "", "Package to dispatch for (overrides message headers)")
	keyword := fs.String("keyword", "", "Keyword to dispatch under (overrides message headers)")

	fs.Usage = func() {
		fmt.Printf(`Forward a message from stdin to package subscribers

The message goes through the same classification, keyword filtering and
VERP enveloping as mail arriving over LMTP.

Usage:
  herald-admin dispatch [options] < message.eml

Options:
  --package string     Package to dispatch for (overrides message headers)
  --keyword string     Keyword to dispatch under (overrides message headers)
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  herald-admin dispatch --package dpkg < announce.eml
  herald-admin dispatch --package dpkg --keyword vcs < commit.eml
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)
	if err := cfg.Tracker.Validate(); err != nil {
		log.Fatalf("Invalid [tracker] configuration: %v", err)
	}

	raw, err := readMessage("-")
	if err != nil {
		log.Fatalf("Failed to read message from stdin: %v", err)
	}

	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	relay := buildRelay(&cfg)
	dispatchService, err := dispatch.NewService(database, relay, &cfg.Tracker, &cfg.Dispatch, dispatch.NopHooks{})
	if err != nil {
		log.Fatalf("Failed to build dispatch service: %v", err)
	}

	if err := dispatchService.Process(ctx, raw, *pkg, *keyword); err != nil {
		log.Fatalf("Failed to dispatch message: %v", err)
	}
	fmt.Printf("Successfully dispatched message (%d bytes)\n", len(raw))
}

func handleControl(ctx context.Context) {
	fs := flag.NewFlagSet("control", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")

	fs.Usage = func() {
		fmt.Printf(`Run a control message from stdin through the command robot

The message is handled exactly like mail sent to the control address:
commands are read from the subject and the text body, and the transcript
is mailed back to the sender.

Usage:
  herald-admin control [options] < message.eml

Options:
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  herald-admin control < commands.eml
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)
	if err := cfg.Tracker.Validate(); err != nil {
		log.Fatalf("Invalid [tracker] configuration: %v", err)
	}

	raw, err := readMessage("-")
	if err != nil {
		log.Fatalf("Failed to read message from stdin: %v", err)
	}

	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	relay := buildRelay(&cfg)
	controlService := control.NewService(database, relay, &cfg.Tracker, &cfg.Control)

	if err := controlService.Process(ctx, raw); err != nil {
		log.Fatalf("Failed to process control message: %v", err)
	}
	fmt.Printf("Successfully processed control message (%d bytes)\n", len(raw))
}

func handleReceiveNews(ctx context.Context) {
	fs := flag.NewFlagSet("receive-news", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")

	fs.Usage = func() {
		fmt.Printf(`Record a message from stdin as package news

The package is taken from the X-Distro-Tracker-Package header. Messages
carrying X-Distro-Tracker-Url become link items; everything else is stored
verbatim in the object store and recorded as a message item.

Usage:
  herald-admin receive-news [options] < message.eml

Options:
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  herald-admin receive-news < accepted.eml
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)

	if !cfg.S3.IsConfigured() {
		log.Fatalf("News intake needs the [s3] object store configured")
	}

	raw, err := readMessage("-")
	if err != nil {
		log.Fatalf("Failed to read message from stdin: %v", err)
	}

	objects, err := storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey,
		cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.Debug)
	if err != nil {
		log.Fatalf("Failed to connect to object store: %v", err)
	}

	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	newsService := news.NewService(database, objects, news.NopHooks{})
	if err := newsService.Process(ctx, raw); err != nil {
		log.Fatalf("Failed to record news: %v", err)
	}
	fmt.Printf("Successfully processed news message (%d bytes)\n", len(raw))
}

// readMessage reads a raw message from the named file, or stdin for "-".
func readMessage(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
