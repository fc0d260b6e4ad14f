// Package trust provides certificate trust decisions for agent connections.
//
// Two trust models exist, selected by transport kind:
//   - Pinned: the host uses a self-signed certificate and pairing supplied its
//     SHA-256 fingerprint out-of-band. The TLS handshake is accepted only when
//     the presented leaf certificate's digest matches the pin exactly.
//   - System: the host sits behind a publicly trusted certificate (relayed or
//     mesh-trusted transports) and standard CA validation applies.
//
// Fingerprints use the format "SHA256:" followed by colon-separated uppercase
// hex bytes, matching what hosts print and advertise over mDNS.
package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

// FingerprintPrefix is the algorithm prefix carried by formatted fingerprints.
const FingerprintPrefix = "SHA256:"

// Fingerprint computes the SHA-256 fingerprint of a certificate.
// Returns "SHA256:" followed by colon-separated uppercase hex bytes.
// Example: "SHA256:AA:BB:CC:DD:EE:FF:..."
func Fingerprint(cert *x509.Certificate) string {
	return FingerprintFromDER(cert.Raw)
}

// FingerprintFromDER computes the SHA-256 fingerprint of DER-encoded
// certificate bytes. This is what the pinned verifier uses during the
// handshake, before the certificate has been parsed.
func FingerprintFromDER(der []byte) string {
	hash := sha256.Sum256(der)
	hexStr := hex.EncodeToString(hash[:])

	parts := make([]string, 0, len(hexStr)/2)
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, strings.ToUpper(hexStr[i:i+2]))
	}
	return FingerprintPrefix + strings.Join(parts, ":")
}

// NormalizeFingerprint canonicalizes a fingerprint for comparison:
// the algorithm prefix is stripped if present, surrounding whitespace is
// removed, and hex digits are uppercased. The colon separators are kept.
func NormalizeFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	// Strip the algorithm prefix case-insensitively; pins arrive from QR
	// codes, TXT records, and hand-typed forms, which disagree on casing.
	if len(fp) >= len(FingerprintPrefix) && strings.EqualFold(fp[:len(FingerprintPrefix)], FingerprintPrefix) {
		fp = fp[len(FingerprintPrefix):]
	}
	return strings.ToUpper(fp)
}

// FingerprintsEqual reports whether two fingerprints denote the same digest.
// Comparison is case-insensitive and indifferent to the presence or absence
// of the "SHA256:" prefix on either side. An empty fingerprint carries no
// trust statement and never compares equal.
func FingerprintsEqual(a, b string) bool {
	na, nb := NormalizeFingerprint(a), NormalizeFingerprint(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb
}
