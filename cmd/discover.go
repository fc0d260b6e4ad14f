package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/agentlink/client/internal/config"
	"github.com/agentlink/client/internal/discovery"
)

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file")
	timeoutSec := fs.Int("timeout", 0, "How long to browse, in seconds (default from config)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: agentlink discover [options]\n\nBrowse the local network for agent hosts advertising over mDNS.\nDiscovery only reveals presence; a pairing code is still required.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	timeout := time.Duration(cfg.DiscoverTimeoutSec) * time.Second
	if *timeoutSec > 0 {
		timeout = time.Duration(*timeoutSec) * time.Second
	}

	fmt.Fprintf(stdout, "Browsing for agent hosts (%s)...\n", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	hosts, err := discovery.Browse(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if len(hosts) == 0 {
		fmt.Fprintln(stdout, "No hosts found. Hosts must opt in to mDNS advertisement.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tVERSION\tFINGERPRINT")
	for _, h := range hosts {
		fp := h.Fingerprint
		if fp == "" {
			fp = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Name, h.PairingURL(), h.Version, fp)
	}
	w.Flush()

	fmt.Fprintln(stdout, "\nGenerate a pairing code on a host, then run 'agentlink pair <url>'.")
	return 0
}
