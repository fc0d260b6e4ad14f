package pairing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/trust"
)

// pairURL builds a descriptor pointing at a test server.
func pairURL(t *testing.T, serverURL, kind, query string) *Descriptor {
	t.Helper()
	desc, err := Parse(serverURL + "/pair/" + kind + "?code=123456" + query)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return desc
}

func TestExchangeDirectPinned(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/pair/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"url":       "wss://192.168.1.50:7070/ws",
			"protocol":  "agentlink",
			"version":   "1",
			"authToken": "token-abc",
		})
	}))
	defer server.Close()

	fp := trust.Fingerprint(server.Certificate())
	desc := pairURL(t, server.URL, "direct", "&fp="+fp)

	creds, err := NewClient().Exchange(context.Background(), desc)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}

	if creds.AuthToken != "token-abc" {
		t.Errorf("AuthToken = %s", creds.AuthToken)
	}
	if creds.URL != "wss://192.168.1.50:7070/ws" {
		t.Errorf("URL = %s", creds.URL)
	}
	// No certFingerprint in the response: the pairing fingerprint carries
	// forward for the long-lived connection.
	if !trust.FingerprintsEqual(creds.CertFingerprint, fp) {
		t.Errorf("CertFingerprint = %s, want %s", creds.CertFingerprint, fp)
	}
}

func TestExchangeFingerprintMismatch(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached past a failed handshake")
	}))
	defer server.Close()

	wrong := "SHA256:" + strings.Repeat("AB:", 31) + "AB"
	desc := pairURL(t, server.URL, "direct", "&fp="+wrong)

	_, err := NewClient().Exchange(context.Background(), desc)
	if !apperrors.IsCode(err, apperrors.CodeSecurityFingerprintMismatch) {
		t.Fatalf("error = %v, want %s", err, apperrors.CodeSecurityFingerprintMismatch)
	}

	// The message must name both fingerprints and read as a security
	// failure, not a connectivity one.
	msg := apperrors.GetMessage(err)
	if !strings.Contains(msg, "SECURITY") {
		t.Errorf("message %q should be marked as a security failure", msg)
	}
	observed := trust.Fingerprint(server.Certificate())
	if !strings.Contains(msg, strings.TrimPrefix(observed, trust.FingerprintPrefix)) {
		t.Errorf("message %q should name the observed fingerprint", msg)
	}
}

func TestExchangePinnedRequiresFingerprint(t *testing.T) {
	desc := pairURL(t, "https://host.example", "direct", "")
	_, err := NewClient().Exchange(context.Background(), desc)
	if !apperrors.IsCode(err, apperrors.CodePairingRequestFailed) {
		t.Errorf("error = %v, want %s", err, apperrors.CodePairingRequestFailed)
	}
}

func TestExchangeUnsupportedKind(t *testing.T) {
	desc := pairURL(t, "https://host.example", "quantum", "")
	_, err := NewClient().Exchange(context.Background(), desc)
	if !apperrors.IsCode(err, apperrors.CodePairingUnsupportedKind) {
		t.Fatalf("error = %v, want %s", err, apperrors.CodePairingUnsupportedKind)
	}
	if !strings.Contains(apperrors.GetMessage(err), "quantum") {
		t.Errorf("message should name the offered transport: %s", apperrors.GetMessage(err))
	}
}

func TestExchangeGateway(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"url":          "wss://relay.example/ws",
			"protocol":     "agentlink",
			"version":      "1",
			"authToken":    "token-abc",
			"clientId":     "client-1",
			"clientSecret": "secret-1",
		})
	}))
	defer server.Close()

	desc := pairURL(t, server.URL, "relay", "")

	creds, err := NewClient().Exchange(context.Background(), desc)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if creds.ClientID != "client-1" || creds.ClientSecret != "secret-1" {
		t.Errorf("gateway credentials not carried: %+v", creds)
	}
	if creds.CertFingerprint != "" {
		t.Errorf("CA-trusted transport should not pin: %s", creds.CertFingerprint)
	}
}

func TestExchangeGatewayMissingSecret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"url":       "wss://relay.example/ws",
			"authToken": "token-abc",
		})
	}))
	defer server.Close()

	desc := pairURL(t, server.URL, "relay", "")
	_, err := NewClient().Exchange(context.Background(), desc)
	if !apperrors.IsCode(err, apperrors.CodePairingBadResponse) {
		t.Errorf("error = %v, want %s", err, apperrors.CodePairingBadResponse)
	}
}

func TestExchangeStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"invalid code", http.StatusUnauthorized, "", apperrors.CodePairingInvalidCode, ""},
		{"rate limited", http.StatusTooManyRequests, "", apperrors.CodePairingRateLimited, ""},
		{"json error body", http.StatusConflict, `{"error":"already paired"}`, apperrors.CodePairingRequestFailed, "already paired"},
		{"plain error body", http.StatusBadGateway, "relay unavailable", apperrors.CodePairingRequestFailed, "relay unavailable"},
		{"raw status fallback", http.StatusTeapot, "", apperrors.CodePairingRequestFailed, "418"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != "" {
					w.Write([]byte(tt.body))
				}
			}))
			defer server.Close()

			desc := pairURL(t, server.URL, "relay", "")
			_, err := NewClient().Exchange(context.Background(), desc)
			if !apperrors.IsCode(err, tt.wantCode) {
				t.Fatalf("error = %v, want code %s", err, tt.wantCode)
			}
			if tt.wantMsg != "" && !strings.Contains(apperrors.GetMessage(err), tt.wantMsg) {
				t.Errorf("message %q should contain %q", apperrors.GetMessage(err), tt.wantMsg)
			}
		})
	}
}

func TestExchangeMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	desc := pairURL(t, server.URL, "relay", "")
	_, err := NewClient().Exchange(context.Background(), desc)
	if !apperrors.IsCode(err, apperrors.CodePairingBadResponse) {
		t.Errorf("error = %v, want %s", err, apperrors.CodePairingBadResponse)
	}
}
