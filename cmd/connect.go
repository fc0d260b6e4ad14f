package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentlink/client/internal/registry"
	"github.com/agentlink/client/internal/statusapi"
)

func runConnect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.agentlink/config.toml)")
	statusAddr := fs.String("status-addr", "", "Status API listen address (default from config)")
	sweepSec := fs.Int("sweep-interval", 0, "Reconnect sweep interval in seconds (default from config)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: agentlink connect [options]\n\nRun the connection daemon: connects every paired agent, retries\ndisconnected ones on a fixed sweep, and serves the local status API.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	env, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	addr := env.cfg.StatusAddr
	if *statusAddr != "" {
		addr = *statusAddr
	}
	interval := time.Duration(env.cfg.SweepIntervalSec) * time.Second
	if *sweepSec > 0 {
		interval = time.Duration(*sweepSec) * time.Second
	}

	controller := env.newController()
	defer controller.DisconnectAll()

	sweep := registry.NewSweep(controller, env.store, interval, env.cfg.SweepRatePerMin)
	api := statusapi.New(env.store, controller)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := api.ListenAndServe(addr); err != nil {
			log.Printf("connect: status API stopped: %v", err)
		}
	}()

	go sweep.Run(ctx)

	fmt.Fprintf(stdout, "agentlink connect running (status API on %s, sweep every %s)\n", addr, interval)
	fmt.Fprintln(stdout, "Press Ctrl+C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Fprintln(stdout, "\nShutting down...")
	cancel()
	return 0
}
