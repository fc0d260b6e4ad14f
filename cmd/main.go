package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `agentlink - pair with and drive remote coding agents

Usage:
  agentlink <command> [options]

Commands:
  pair <url>            Redeem a pairing URL and save the agent
  agents list           List paired agents
  agents remove <id>    Remove an agent and its credentials
  agents prefer <id> <kind>   Set the preferred transport for an agent
  agents clear-session <id>   Drop the saved session (next connect starts fresh)
  connect               Run the connection daemon (reconnect sweep + status API)
  send <agent-id> <text>      Send a prompt to an agent and stream the reply
  discover              Browse the local network for agent hosts

Run 'agentlink <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "pair":
		return runPair(args[2:], stdout, stderr)
	case "agents":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: agentlink agents <list|remove|prefer|clear-session>")
			return 1
		}
		switch args[2] {
		case "list":
			return runAgentsList(args[3:], stdout, stderr)
		case "remove":
			return runAgentsRemove(args[3:], stdout, stderr)
		case "prefer":
			return runAgentsPrefer(args[3:], stdout, stderr)
		case "clear-session":
			return runAgentsClearSession(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown agents command: %s\n", args[2])
			return 1
		}
	case "connect":
		return runConnect(args[2:], stdout, stderr)
	case "send":
		return runSend(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "agentlink %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
