package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aaronbassett/vibetea/internal/broadcast"
	"github.com/aaronbassett/vibetea/internal/config"
	"github.com/aaronbassett/vibetea/internal/ratelimit"
	"github.com/aaronbassett/vibetea/internal/verify"
	"github.com/aaronbassett/vibetea/internal/ws"
)

// shutdownTimeout is the Server's drain deadline on SIGINT/SIGTERM (§4.7, §5).
const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	dev := flag.Bool("dev", false, "development mode (required to enable VIBETEA_UNSAFE_NO_AUTH)")
	port := flag.Int("port", 0, "override server listen port")
	flag.Parse()

	cfg, err := config.LoadServer(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibetea-server: configuration error: %v\n", err)
		fmt.Fprintln(os.Stderr, "try: set VIBETEA_PUBLIC_KEYS and VIBETEA_SUBSCRIBER_TOKEN, or pass -dev to permit VIBETEA_UNSAFE_NO_AUTH")
		return 1
	}
	if *port > 0 {
		cfg.Port = *port
	}

	var registry *verify.Registry
	if !cfg.UnsafeNoAuth {
		registry, err = verify.NewRegistry(cfg.PublicKeys)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vibetea-server: configuration error: %v\n", err)
			fmt.Fprintln(os.Stderr, "try: check VIBETEA_PUBLIC_KEYS entries are valid base64 Ed25519 public keys")
			return 1
		}
	} else {
		log.Println("server: VIBETEA_UNSAFE_NO_AUTH set, running without source or subscriber authentication")
	}

	limiter := ratelimit.NewDefault()
	hub := broadcast.New(broadcast.DefaultCapacity)
	srv := ws.New(cfg, registry, limiter, hub)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	sweepStop := make(chan struct{})
	go limiter.RunSweeper(sweepStop)
	defer close(sweepStop)

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vibetea-server: failed to bind %s: %v\n", httpServer.Addr, err)
		fmt.Fprintln(os.Stderr, "try: choose a different PORT or stop whatever else is listening")
		return 3
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", httpServer.Addr)
		errCh <- httpServer.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "vibetea-server: %v\n", err)
			return 3
		}
		return 0

	case sig := <-sigCh:
		log.Printf("server: received %s, draining for up to %s", sig, shutdownTimeout)
		srv.Shutdown(shutdownTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("server: forced close after drain timeout: %v", err)
		}
		<-errCh
		log.Println("server: shut down cleanly")
		return 0
	}
}
