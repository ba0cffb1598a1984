package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aaronbassett/vibetea/internal/config"
	"github.com/aaronbassett/vibetea/internal/event"
	"github.com/aaronbassett/vibetea/internal/privacy"
	"github.com/aaronbassett/vibetea/internal/sender"
	"github.com/aaronbassett/vibetea/internal/signer"
	"github.com/aaronbassett/vibetea/internal/tailer"
)

// shutdownTimeout is the Monitor's drain deadline on SIGINT/SIGTERM (§4.4, §5).
const shutdownTimeout = 5 * time.Second

// tailDebounce bounds filesystem-watch signals to one per path per window (§4.1).
const tailDebounce = 100 * time.Millisecond

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) > 0 && args[0] == "init" {
		return runInit(args[1:])
	}
	return runMonitor(args)
}

// runInit implements the `init` subcommand: generate a keypair, write the
// seed to disk, and print the public key and source id for operator
// registration (§4.3, §6).
func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	keyPath := fs.String("key-path", "", "path to write the Ed25519 seed (defaults to VIBETEA_KEY_PATH)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := *keyPath
	if path == "" {
		path = os.Getenv("VIBETEA_KEY_PATH")
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "vibetea-monitor: init requires -key-path or VIBETEA_KEY_PATH")
		fmt.Fprintln(os.Stderr, "try: vibetea-monitor init -key-path ~/.vibetea/monitor.key")
		return 1
	}

	pubB64, err := signer.Init(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibetea-monitor: key init failed: %v\n", err)
		return 2
	}

	sourceID := os.Getenv("VIBETEA_SOURCE_ID")
	if sourceID == "" {
		host, err := os.Hostname()
		if err == nil {
			sourceID = host
		}
	}

	fmt.Printf("public key:  %s\n", pubB64)
	fmt.Printf("source id:   %s\n", sourceID)
	fmt.Printf("key written: %s\n", path)
	fmt.Println("register this source by adding \"source_id:public_key\" to the server's VIBETEA_PUBLIC_KEYS")
	return 0
}

// runMonitor implements the default operation: tail session files, sanitize
// them through the privacy filter, and deliver signed batches to the server.
func runMonitor(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	overridePath := fs.String("config", "", "path to an optional buffer/flush override file (§6)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.LoadMonitor(*overridePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibetea-monitor: configuration error: %v\n", err)
		fmt.Fprintln(os.Stderr, "try: set VIBETEA_SERVER_URL and VIBETEA_KEY_PATH, or run `vibetea-monitor init` first")
		return 1
	}

	key, err := signer.Load(cfg.KeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibetea-monitor: key load failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "try: vibetea-monitor init -key-path "+cfg.KeyPath)
		return 2
	}

	log.Printf("monitor: starting as source %q (key %s)", cfg.SourceID, fingerprint(key.PublicKeyBase64()))

	root, err := tailer.DefaultRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibetea-monitor: could not locate the Claude Code projects directory: %v\n", err)
		return 2
	}
	historyPath, err := tailer.HistoryFilePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibetea-monitor: could not locate the Claude Code history file: %v\n", err)
		return 2
	}

	t, err := tailer.New(root, historyPath, tailDebounce)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibetea-monitor: failed to start file watcher: %v\n", err)
		return 2
	}

	snd := sender.New(sender.Config{
		ServerURL:     cfg.ServerURL,
		SourceID:      cfg.SourceID,
		Signer:        key,
		BufferSize:    cfg.BufferSize,
		FlushInterval: cfg.FlushInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		snd.Run(ctx)
	}()

	tailerErrCh := make(chan error, 1)
	go func() {
		tailerErrCh <- t.Run(ctx)
	}()

	go pump(ctx, cfg.SourceID, t, snd)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("monitor: received %s, draining for up to %s", sig, shutdownTimeout)
		cancel()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			log.Println("monitor: shutdown deadline exceeded, exiting anyway")
		}
		if n := snd.OverflowCount(); n > 0 {
			log.Printf("monitor: %d events were dropped to overflow during this run", n)
		}
		return 0

	case err := <-tailerErrCh:
		cancel()
		<-done
		if err != nil {
			fmt.Fprintf(os.Stderr, "vibetea-monitor: file watcher failed: %v\n", err)
			return 2
		}
		return 0
	}
}

// fingerprint shortens a public key to a loggable prefix, matching the
// teacher's health-log idiom of identifying a source without dumping its
// full credential.
func fingerprint(pubB64 string) string {
	if len(pubB64) <= 12 {
		return pubB64
	}
	return pubB64[:12] + "..."
}

// pump applies the privacy filter to every raw record the tailer produces
// and enqueues the resulting event with the sender. It owns no session
// state of its own: sanitization is a pure function of each raw record.
func pump(ctx context.Context, sourceID string, t *tailer.Tailer, snd *sender.Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-t.Records():
			if !ok {
				return
			}
			payload, typ, ok := privacy.Filter(rec.Raw, rec.IsFirst)
			if !ok {
				continue
			}

			env := event.Envelope{
				ID:        event.NewID(),
				Source:    sourceID,
				Timestamp: time.Now().UTC(),
				Type:      typ,
				Payload:   payload,
			}

			if err := snd.Enqueue(ctx, env); err != nil {
				return
			}
		}
	}
}
