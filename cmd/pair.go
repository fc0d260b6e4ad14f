package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/agentlink/client/internal/conn"
	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/metrics"
	"github.com/agentlink/client/internal/pairing"
	"github.com/agentlink/client/internal/registry"
	"github.com/agentlink/client/internal/storage"
)

// PairConfig holds configuration for the pair command.
type PairConfig struct {
	ConfigPath string
	Name       string
	QR         bool // Display the pairing URL as a QR code before redeeming
	NoTest     bool // Skip the post-pairing test connection
}

func runPair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &PairConfig{}
	fs.StringVar(&cfg.ConfigPath, "config", "", "Path to config file (default: ~/.agentlink/config.toml)")
	fs.StringVar(&cfg.Name, "name", "", "Display name for the agent (default: host's self-reported name)")
	fs.BoolVar(&cfg.QR, "qr", false, "Display the pairing URL as a QR code before redeeming it")
	fs.BoolVar(&cfg.NoTest, "no-test", false, "Skip the test connection after the code exchange")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: agentlink pair [options] <pairing-url>\n\nRedeem a pairing URL and save the agent.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nThe pairing code inside the URL is valid once. Pairing the same agent\nover a second transport adds an endpoint instead of a duplicate agent.\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	rawURL := fs.Arg(0)

	desc, err := pairing.Parse(rawURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", apperrors.GetMessage(err))
		return 1
	}

	if cfg.QR {
		displayURLQR(stdout, desc)
	}

	env, err := openEnv(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	fmt.Fprintf(stdout, "Pairing over %s with %s...\n", desc.Kind, desc.BaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), pairing.DefaultTimeout)
	creds, err := pairing.NewClient().Exchange(ctx, desc)
	cancel()
	if err != nil {
		recordPairingOutcome(err)
		fmt.Fprintf(stderr, "Error: %s\n", apperrors.GetMessage(err))
		return 1
	}
	metrics.PairingExchanges.WithLabelValues("ok").Inc()

	// Test the credentials before anything durable is written. The long
	// attempt timeout tolerates the host-side human approving this client.
	var result *conn.ConnectResult
	if !cfg.NoTest {
		fmt.Fprintf(stdout, "Testing connection (the host may ask you to approve this client)...\n")

		m := conn.New(conn.Config{
			Credentials: *creds,
			Profile:     conn.PairingTestProfile,
		})
		testCtx, cancel := context.WithTimeout(context.Background(), conn.PairingTestProfile.AttemptTimeout*2)
		result, err = m.Connect(testCtx, "")
		cancel()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s\n", apperrors.GetMessage(err))
			return 1
		}
		m.Disconnect()
	}

	agent, endpoint, err := saveAgent(env, desc, creds, result, cfg.Name)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "\nPaired %q (%s)\n", agent.Name, agent.ID)
	fmt.Fprintf(stdout, "  Transport: %s (%s)\n", endpoint.Kind, endpoint.URL)
	if creds.CertFingerprint != "" {
		fmt.Fprintf(stdout, "  Pinned:    %s\n", creds.CertFingerprint)
	}
	if result != nil && result.SessionID != "" {
		fmt.Fprintf(stdout, "  Session:   %s\n", result.SessionID)
	}
	return 0
}

// saveAgent persists the pairing outcome: the agent (de-duplicated by the
// host's stable id when the test connection reported one), the endpoint for
// this transport kind, and the credentials in the keychain.
func saveAgent(env *env, desc *pairing.Descriptor, creds *pairing.Credentials, result *conn.ConnectResult, nameOverride string) (*storage.Agent, *storage.Endpoint, error) {
	var agent *storage.Agent
	var err error

	if result != nil && result.StableID != "" {
		agent, err = env.store.GetAgentByStableID(result.StableID)
		if err != nil {
			return nil, nil, err
		}
	}

	if agent == nil {
		agent = &storage.Agent{
			ID:        uuid.NewString(),
			Status:    storage.StatusDisconnected,
			CreatedAt: time.Now(),
		}
	}

	if result != nil {
		agent.StableID = result.StableID
		agent.SupportsResume = result.SupportsResume
		if agent.Name == "" {
			agent.Name = result.HostName
		}
	}
	if nameOverride != "" {
		agent.Name = nameOverride
	}
	if agent.Name == "" {
		agent.Name = hostFromBase(desc.BaseURL)
	}

	if err := env.store.SaveAgent(agent); err != nil {
		return nil, nil, err
	}

	endpoint := &storage.Endpoint{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		Kind:      desc.Kind,
		URL:       creds.URL,
		Priority:  registry.KindPriority(desc.Kind),
		CreatedAt: time.Now(),
	}
	if err := env.store.UpsertEndpoint(endpoint); err != nil {
		return nil, nil, err
	}

	// The upsert may have kept an existing row's id; look it up so the
	// credentials land under the right key.
	saved, err := savedEndpoint(env.store, agent.ID, desc.Kind)
	if err != nil {
		return nil, nil, err
	}
	if saved != nil {
		endpoint = saved
	}

	if err := env.keys.Save(endpoint.ID, creds); err != nil {
		return nil, nil, err
	}

	if result != nil && result.SessionID != "" {
		if err := env.store.UpdateSession(agent.ID, result.SessionID, time.Now(), result.SupportsResume); err != nil {
			return nil, nil, err
		}
	}

	return agent, endpoint, nil
}

// savedEndpoint fetches the stored endpoint row for (agent, kind).
func savedEndpoint(store *storage.SQLiteStore, agentID string, kind pairing.TransportKind) (*storage.Endpoint, error) {
	endpoints, err := store.ListEndpoints(agentID)
	if err != nil {
		return nil, err
	}
	for _, ep := range endpoints {
		if ep.Kind == kind {
			return ep, nil
		}
	}
	return nil, nil
}

// recordPairingOutcome maps a pairing error to the metrics outcome label.
func recordPairingOutcome(err error) {
	switch apperrors.GetCode(err) {
	case apperrors.CodePairingInvalidCode:
		metrics.PairingExchanges.WithLabelValues("invalid_code").Inc()
	case apperrors.CodePairingRateLimited:
		metrics.PairingExchanges.WithLabelValues("rate_limited").Inc()
	case apperrors.CodeSecurityFingerprintMismatch:
		metrics.PairingExchanges.WithLabelValues("mismatch").Inc()
	default:
		metrics.PairingExchanges.WithLabelValues("error").Inc()
	}
}

// hostFromBase extracts the hostname from a scheme://host:port base URL,
// used as a fallback display name.
func hostFromBase(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return base
	}
	return u.Hostname()
}

// displayURLQR renders the pairing URL as a terminal QR code so it can be
// scanned by another device before the one-time code is redeemed here.
func displayURLQR(w io.Writer, desc *pairing.Descriptor) {
	qr, err := qrcode.New(desc.URL, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Could not render QR code: %v\n", err)
		return
	}
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "")
}
