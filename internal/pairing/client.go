package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/trust"
)

// DefaultTimeout bounds the single pairing request. Generous because the
// user may still be looking at the code on the host screen.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response body is read when trying
// to extract a server-provided message.
const maxErrorBody = 4 << 10

// Client performs the one-time-code exchange against a host's pairing
// endpoint. Pairing is a single GET with no automatic retry: codes are
// short-lived (on the order of 60 seconds) and the host enforces expiry and
// attempt limits, so silently retrying a stale code would only burn the
// user's remaining attempts.
type Client struct {
	// Timeout for the pairing request. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// NewClient creates a pairing client with default settings.
func NewClient() *Client {
	return &Client{Timeout: DefaultTimeout}
}

// pairingResponse is the 200 OK payload from the pairing endpoint.
// Pinned and token transports return {url, protocol, version, authToken,
// certFingerprint?}; gateway transports return {url, protocol, version,
// authToken, clientId, clientSecret}.
type pairingResponse struct {
	URL             string `json:"url"`
	Protocol        string `json:"protocol"`
	Version         string `json:"version"`
	AuthToken       string `json:"authToken"`
	ClientID        string `json:"clientId"`
	ClientSecret    string `json:"clientSecret"`
	CertFingerprint string `json:"certFingerprint"`
}

// errorResponse is the shape hosts use for non-200 error bodies.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Exchange redeems the descriptor's one-time code for connection credentials.
//
// The trust model depends on the transport kind: pinned kinds (direct-pinned,
// mesh-pinned) require the descriptor's fingerprint and delegate the TLS trust
// decision to a pinned policy; the others use standard system CA trust.
//
// When a pinned handshake fails and the fingerprint captured during the
// failed handshake differs from the expected one, the security-specific
// mismatch error is surfaced instead of a generic network error - that case
// is indistinguishable from active interception and must read like it.
func (c *Client) Exchange(ctx context.Context, desc *Descriptor) (*Credentials, error) {
	if !desc.Kind.Supported() {
		return nil, apperrors.UnsupportedPairingKind(desc.RawKind)
	}

	var policy trust.Policy
	if desc.Kind.Pinned() {
		if desc.Fingerprint == "" {
			return nil, apperrors.New(apperrors.CodePairingRequestFailed,
				fmt.Sprintf("transport %s requires a certificate fingerprint (fp parameter)", desc.Kind))
		}
		policy = trust.Pinned(desc.Fingerprint)
	} else {
		policy = trust.System()
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: policy.TLSConfig(),
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return nil, apperrors.PairingRequestFailed(err)
	}

	log.Printf("pairing: exchanging code with %s (%s)", desc.BaseURL, desc.Kind)

	resp, err := httpClient.Do(req)
	if err != nil {
		// A failed pinned handshake still captures the certificate the
		// server presented. If it differs from the pin, this was not an
		// ordinary connectivity failure.
		if observed := policy.Observed(); observed != "" && !trust.FingerprintsEqual(observed, desc.Fingerprint) {
			return nil, apperrors.FingerprintMismatch(desc.Fingerprint, observed)
		}
		return nil, apperrors.PairingRequestFailed(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return c.decodeCredentials(desc, resp.Body)
	case http.StatusUnauthorized:
		return nil, apperrors.InvalidPairingCode()
	case http.StatusTooManyRequests:
		return nil, apperrors.PairingRateLimited()
	default:
		return nil, c.statusError(resp)
	}
}

// decodeCredentials parses a 200 response into Credentials, validating the
// fields the transport kind requires.
func (c *Client) decodeCredentials(desc *Descriptor, body io.Reader) (*Credentials, error) {
	var payload pairingResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, apperrors.BadPairingResponse(err)
	}

	if payload.URL == "" {
		return nil, apperrors.BadPairingResponse(fmt.Errorf("response has no endpoint url"))
	}

	creds := &Credentials{
		URL:       payload.URL,
		Protocol:  payload.Protocol,
		Version:   payload.Version,
		AuthToken: payload.AuthToken,
	}

	if desc.Kind.Gateway() {
		if payload.ClientID == "" || payload.ClientSecret == "" {
			return nil, apperrors.BadPairingResponse(fmt.Errorf("gateway response missing clientId/clientSecret"))
		}
		creds.ClientID = payload.ClientID
		creds.ClientSecret = payload.ClientSecret
	} else if payload.AuthToken == "" {
		return nil, apperrors.BadPairingResponse(fmt.Errorf("response missing authToken"))
	}

	if desc.Kind.Pinned() {
		// The long-lived connection pins whatever the host says its serving
		// certificate is; absent that, the fingerprint that just verified
		// the pairing exchange is carried forward.
		creds.CertFingerprint = payload.CertFingerprint
		if creds.CertFingerprint == "" {
			creds.CertFingerprint = desc.Fingerprint
		}
	}

	log.Printf("pairing: paired over %s, endpoint %s (protocol %s/%s)",
		desc.Kind, creds.URL, creds.Protocol, creds.Version)

	return creds, nil
}

// statusError converts an unexpected HTTP status into a coded error,
// preferring a server-provided message over the raw status.
func (c *Client) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err == nil {
		msg := payload.Message
		if msg == "" {
			msg = payload.Error
		}
		if msg != "" {
			return apperrors.New(apperrors.CodePairingRequestFailed,
				fmt.Sprintf("pairing rejected: %s", msg))
		}
	}

	if s := strings.TrimSpace(string(data)); s != "" && len(s) < 200 && !strings.HasPrefix(s, "{") {
		return apperrors.New(apperrors.CodePairingRequestFailed,
			fmt.Sprintf("pairing rejected: %s", s))
	}

	return apperrors.New(apperrors.CodePairingRequestFailed,
		fmt.Sprintf("pairing failed with status %s", resp.Status))
}
