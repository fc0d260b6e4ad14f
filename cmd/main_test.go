package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/agentlink/client/internal/config"
	"github.com/agentlink/client/internal/conn"
)

func TestRunNoArgsShowsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"agentlink"}, &stdout, &stderr)
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "Usage:") {
		t.Errorf("usage not shown: %s", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"agentlink", "frobnicate"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "Unknown command") {
		t.Errorf("output: %s", stdout.String())
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"agentlink", "version"}, &stdout, &stderr)
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "agentlink") {
		t.Errorf("output: %s", stdout.String())
	}
}

func TestRunAgentsRequiresSubcommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"agentlink", "agents"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestPairRejectsBadURL(t *testing.T) {
	var stdout, stderr bytes.Buffer

	// Parse failures happen before anything durable is touched.
	code := runPair([]string{"not a url"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Error:") {
		t.Errorf("stderr: %s", stderr.String())
	}
}

func TestPairRequiresURL(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runPair(nil, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestConnectProfileFromConfig(t *testing.T) {
	profile := connectProfile(&config.Config{ConnectTimeoutSec: 15})
	if profile.AttemptTimeout != 15*time.Second {
		t.Errorf("AttemptTimeout = %s, want 15s from config", profile.AttemptTimeout)
	}
	if profile.MaxAttempts != conn.DefaultProfile.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want the default", profile.MaxAttempts)
	}

	profile = connectProfile(&config.Config{})
	if profile.AttemptTimeout != conn.DefaultProfile.AttemptTimeout {
		t.Errorf("AttemptTimeout = %s, want the default when unset", profile.AttemptTimeout)
	}
}

func TestHostFromBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://192.168.1.50:7070", "192.168.1.50"},
		{"https://host.example", "host.example"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		if got := hostFromBase(tt.in); got != tt.want {
			t.Errorf("hostFromBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
