package trust

import (
	"crypto/tls"
	"crypto/x509"
	"sync"

	apperrors "github.com/agentlink/client/internal/errors"
)

// Policy decides how a connection's TLS handshake is validated.
// Implementations are selected by transport kind; callers never branch on
// "pinned vs not" themselves, they just ask the policy for a TLS config.
type Policy interface {
	// TLSConfig returns the TLS client configuration implementing this policy.
	// Each call returns a fresh config so connections never share mutable state.
	TLSConfig() *tls.Config

	// Observed returns the fingerprint of the leaf certificate seen during the
	// most recent handshake attempt, or "" if no handshake reached the
	// certificate exchange. For the system policy this is always "".
	Observed() string
}

// System returns the default trust policy: standard CA validation against
// the operating system's root store. Used by relay-gateway and mesh-trusted
// transports, whose certificates chain to public CAs. This is a deliberate
// per-transport choice, not a fallback.
func System() Policy {
	return systemPolicy{}
}

type systemPolicy struct{}

func (systemPolicy) TLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func (systemPolicy) Observed() string { return "" }

// Pinned returns a trust policy that accepts exactly one certificate: the one
// whose SHA-256 fingerprint matches the expected pin. Chain building and CA
// validation are skipped entirely; the pin is the whole trust decision.
//
// The policy records the fingerprint it observed during the handshake, whether
// or not the handshake succeeded. When a pinned connection fails, callers
// compare Observed() against the pin to distinguish "network broke" from
// "something else answered" and surface the security-specific error.
func Pinned(expected string) *PinnedPolicy {
	return &PinnedPolicy{expected: expected}
}

// PinnedPolicy implements Policy by exact certificate digest match.
type PinnedPolicy struct {
	expected string

	mu       sync.Mutex
	observed string
}

// TLSConfig returns a config that disables chain verification and installs
// the fingerprint check as the sole trust decision. InsecureSkipVerify is
// required to reach VerifyPeerCertificate with a self-signed certificate;
// the verify callback below is what actually gates the handshake.
func (p *PinnedPolicy) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: p.verify,
	}
}

// Observed returns the leaf fingerprint seen during the last handshake
// attempt, or "" if none reached the certificate exchange.
func (p *PinnedPolicy) Observed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observed
}

// Expected returns the pinned fingerprint.
func (p *PinnedPolicy) Expected() string {
	return p.expected
}

// verify is the VerifyPeerCertificate callback. rawCerts[0] is the leaf.
// The observed fingerprint is recorded before comparison so it survives a
// rejected handshake.
func (p *PinnedPolicy) verify(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return apperrors.New(apperrors.CodeSecurityFingerprintMismatch, "server presented no certificate")
	}

	got := FingerprintFromDER(rawCerts[0])

	p.mu.Lock()
	p.observed = got
	p.mu.Unlock()

	if !FingerprintsEqual(got, p.expected) {
		return apperrors.FingerprintMismatch(p.expected, got)
	}
	return nil
}
