package pairing

import (
	"net/url"
	"strings"

	apperrors "github.com/agentlink/client/internal/errors"
)

// Descriptor is the parsed form of a pairing URL. It is ephemeral: created
// from a single scan or manual entry, handed to Client.Exchange once, and
// discarded. Descriptors are never persisted - the one-time code inside them
// is dead after a single use.
type Descriptor struct {
	// Kind is the transport the host is offering. KindUnsupported when the
	// URL names a transport this client does not recognize.
	Kind TransportKind

	// RawKind is the <kind> path segment exactly as scanned. Meaningful when
	// Kind is KindUnsupported, so errors can name what the host offered.
	RawKind string

	// Code is the one-time pairing code. The parser only requires it to be
	// non-empty; the entry form additionally restricts it to 6 digits.
	Code string

	// Fingerprint is the expected certificate fingerprint for pinned
	// transports, empty otherwise.
	Fingerprint string

	// URL is the full pairing URL to call, exactly as scanned.
	URL string

	// BaseURL is the scheme://host:port portion, with no path or query.
	// This is what gets stored as the endpoint address after pairing.
	BaseURL string
}

// Parse converts a scanned or typed pairing URL into a Descriptor.
//
// The expected shape is:
//
//	https://<host>:<port>/pair/<kind>?code=<code>[&fp=<fingerprint>]
//
// Parse failures are distinct coded errors: parse.invalid_url for anything
// the URL parser rejects or a non-HTTP scheme, parse.not_pairing_url when
// the path is not /pair/<kind>, and parse.missing_code when the code query
// parameter is absent or empty. An unknown <kind> is not a parse failure -
// the Descriptor comes back with Kind == KindUnsupported.
func Parse(raw string) (*Descriptor, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, apperrors.InvalidURL(raw, err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, apperrors.InvalidURL(raw, nil)
	}
	if u.Host == "" {
		return nil, apperrors.InvalidURL(raw, nil)
	}

	const prefix = "/pair/"
	if !strings.HasPrefix(u.Path, prefix) {
		return nil, apperrors.NotPairingURL(u.Path)
	}
	rawKind := strings.Trim(strings.TrimPrefix(u.Path, prefix), "/")
	if rawKind == "" || strings.Contains(rawKind, "/") {
		return nil, apperrors.NotPairingURL(u.Path)
	}

	query := u.Query()
	code := query.Get("code")
	if code == "" {
		return nil, apperrors.MissingCode()
	}

	base := &url.URL{Scheme: u.Scheme, Host: u.Host}

	return &Descriptor{
		Kind:        KindFromPath(rawKind),
		RawKind:     rawKind,
		Code:        code,
		Fingerprint: query.Get("fp"),
		URL:         u.String(),
		BaseURL:     base.String(),
	}, nil
}
