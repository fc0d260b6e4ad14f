package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/agentlink/client/internal/conn"
	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/protocol"
	"github.com/agentlink/client/internal/registry"
)

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file")
	workingDir := fs.String("dir", "", "Working directory for a fresh session (default: current directory)")
	showThoughts := fs.Bool("thoughts", false, "Show the agent's thinking stream")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: agentlink send [options] <agent-id> <text>\n\nConnect to an agent, send one prompt, and stream the reply.\nTool-permission requests are answered interactively.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() < 2 {
		fs.Usage()
		return 1
	}
	agentID := fs.Arg(0)
	text := strings.Join(fs.Args()[1:], " ")

	env, err := openEnv(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	if *workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			*workingDir = wd
		}
	}

	controller := env.newController()
	defer controller.DisconnectAll()

	ctx := context.Background()

	// The permission handler runs on the connection's dispatch goroutine;
	// stdin is read there while the host-side call stays suspended.
	stdin := bufio.NewScanner(os.Stdin)
	controller.OnPermission(func(req protocol.PermissionRequest) {
		answerPermission(ctx, controller, agentID, req, stdin, stdout, stderr)
	})

	result, err := controller.Connect(ctx, agentID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", apperrors.GetMessage(err))
		return 1
	}
	if result.Conn != nil {
		describeConnect(stdout, result)
	}

	m := controller.Machine(agentID)
	if m == nil {
		fmt.Fprintln(stderr, "Error: no live connection after connect")
		return 1
	}

	done := make(chan error, 1)
	var once sync.Once
	callbacks := conn.Callbacks{
		OnAnswer: func(text string) {
			fmt.Fprint(stdout, text)
		},
		OnToolCall: func(call protocol.ToolCall) {
			fmt.Fprintf(stdout, "\n[tool] %s", call.Title)
			if call.Title == "" {
				fmt.Fprintf(stdout, "%s", call.Name)
			}
			fmt.Fprintln(stdout, "")
		},
		OnComplete: func(stop protocol.StopReason, err error) {
			once.Do(func() { done <- err })
		},
	}
	if *showThoughts {
		callbacks.OnThought = func(text string) {
			fmt.Fprint(stderr, text)
		}
	}

	if err := m.SendMessage(ctx, text, callbacks); err != nil {
		fmt.Fprintf(stderr, "\nError: %s\n", apperrors.GetMessage(err))
		return 1
	}

	if err := <-done; err != nil {
		fmt.Fprintf(stderr, "\nError: %s\n", apperrors.GetMessage(err))
		return 1
	}

	fmt.Fprintln(stdout, "")
	return 0
}

// describeConnect reports how the connection was established.
func describeConnect(stdout io.Writer, result *registry.ConnectResult) {
	cr := result.Conn
	switch {
	case cr.Resumed:
		fmt.Fprintf(stdout, "Connected to %s (resumed session %s)\n", cr.HostName, cr.SessionID)
	case cr.ResumeFailed:
		fmt.Fprintf(stdout, "Connected to %s (previous session lost, started fresh)\n", cr.HostName)
	default:
		fmt.Fprintf(stdout, "Connected to %s (new session)\n", cr.HostName)
	}
	if result.FellBack {
		fmt.Fprintf(stdout, "Note: fell back to the %s transport\n", result.Endpoint.Kind)
	}
}

// answerPermission prompts the user for a decision on one tool-permission
// request and forwards the chosen option.
func answerPermission(ctx context.Context, controller *registry.Controller, agentID string, req protocol.PermissionRequest, stdin *bufio.Scanner, stdout, stderr io.Writer) {
	fmt.Fprintf(stdout, "\nThe agent requests permission: %s\n", req.Title)
	for i, opt := range req.Options {
		fmt.Fprintf(stdout, "  [%d] %s\n", i+1, opt.Name)
	}
	fmt.Fprint(stdout, "Choose an option: ")

	m := controller.Machine(agentID)
	if m == nil {
		return
	}

	for {
		if !stdin.Scan() {
			return
		}
		choice := strings.TrimSpace(stdin.Text())
		for i, opt := range req.Options {
			if choice == fmt.Sprintf("%d", i+1) || choice == opt.ID {
				if err := m.RespondPermission(ctx, req.RequestID, opt.ID); err != nil {
					fmt.Fprintf(stderr, "Error: %s\n", apperrors.GetMessage(err))
				}
				return
			}
		}
		fmt.Fprint(stdout, "Invalid choice, try again: ")
	}
}
