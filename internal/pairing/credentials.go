package pairing

// Credentials is one set of secrets and an address for reaching an agent
// over one transport. Issued by a successful pairing exchange and immutable
// from then on: re-pairing against the same transport supersedes the whole
// set rather than mutating it.
type Credentials struct {
	// URL is the endpoint to connect to (wss:// or https:// base).
	URL string `json:"url"`

	// Protocol names the wire protocol the host speaks (e.g. "acp").
	Protocol string `json:"protocol"`

	// Version is the protocol version advertised by the host.
	Version string `json:"version"`

	// AuthToken is the bearer token presented on connect. Empty for
	// transports that authenticate some other way; an empty token is never
	// sent as an empty Authorization header.
	AuthToken string `json:"authToken,omitempty"`

	// ClientID and ClientSecret are the gateway credential pair, present
	// only for relay-gateway transports.
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`

	// CertFingerprint is the pinned certificate fingerprint, present only
	// when the transport uses a self-signed certificate. Its presence is
	// what selects the pinned trust policy on connect.
	CertFingerprint string `json:"certFingerprint,omitempty"`
}

// HasAuth reports whether the credentials carry any authentication material.
func (c *Credentials) HasAuth() bool {
	return c.AuthToken != "" || (c.ClientID != "" && c.ClientSecret != "")
}
