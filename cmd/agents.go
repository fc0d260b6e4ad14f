package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/pairing"
)

func runAgentsList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("agents list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
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

	agents, err := env.store.ListAgents()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if len(agents) == 0 {
		fmt.Fprintln(stdout, "No paired agents. Run 'agentlink pair <url>' to add one.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTRANSPORTS\tSESSION\tPAIRED")
	for _, agent := range agents {
		endpoints, err := env.store.ListEndpoints(agent.ID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}

		transports := ""
		for i, ep := range endpoints {
			if i > 0 {
				transports += ","
			}
			transports += string(ep.Kind)
			if ep.Active {
				transports += "*"
			}
		}
		if transports == "" {
			transports = "(legacy)"
		}

		session := agent.SessionID
		if session == "" {
			session = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			agent.ID, agent.Name, agent.Status, transports, session,
			agent.CreatedAt.Format(time.DateOnly))
	}
	w.Flush()
	return 0
}

func runAgentsRemove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("agents remove", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: agentlink agents remove <agent-id>")
		return 1
	}
	agentID := fs.Arg(0)

	env, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	// Drop credentials first: every endpoint's entry plus the legacy
	// agent-keyed entry.
	endpoints, err := env.store.ListEndpoints(agentID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, ep := range endpoints {
		if err := env.keys.Delete(ep.ID); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if err := env.keys.Delete(agentID); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := env.store.DeleteAgent(agentID); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Removed agent %s\n", agentID)
	return 0
}

func runAgentsPrefer(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("agents prefer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "Usage: agentlink agents prefer <agent-id> <kind|none>")
		return 1
	}
	agentID, rawKind := fs.Arg(0), fs.Arg(1)

	var kind pairing.TransportKind
	if rawKind != "none" {
		kind = pairing.TransportKind(rawKind)
		if !kind.Supported() {
			fmt.Fprintf(stderr, "Error: unknown transport kind %q (use direct-pinned, relay-gateway, mesh-trusted, mesh-pinned, or none)\n", rawKind)
			return 1
		}
	}

	env, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	if err := env.store.SetPreferredKind(agentID, kind); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", apperrors.GetMessage(err))
		return 1
	}

	if kind == "" {
		fmt.Fprintf(stdout, "Cleared transport preference for agent %s\n", agentID)
	} else {
		fmt.Fprintf(stdout, "Agent %s now prefers %s\n", agentID, kind)
	}
	return 0
}

func runAgentsClearSession(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("agents clear-session", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: agentlink agents clear-session <agent-id>")
		return 1
	}
	agentID := fs.Arg(0)

	env, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	if err := env.store.ClearSession(agentID); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", apperrors.GetMessage(err))
		return 1
	}

	fmt.Fprintf(stdout, "Cleared saved session for agent %s; the next connect starts fresh\n", agentID)
	return 0
}
