// Package pairing converts a scanned or hand-typed pairing URL into durable
// connection credentials.
//
// The flow has two halves: Parse turns the URL into an ephemeral Descriptor
// (consumed exactly once, never persisted), and Client.Exchange redeems the
// descriptor's one-time code against the host's pairing endpoint, yielding
// Credentials that the connection layer uses from then on.
package pairing

// TransportKind identifies one of the closed set of transports an agent can
// be reached over. The kind determines the trust model: pinned kinds carry a
// certificate fingerprint and bypass CA validation, the others rely on the
// system trust store.
type TransportKind string

const (
	// KindDirectPinned is a direct LAN connection to a host serving a
	// self-signed certificate, trusted by fingerprint pin.
	KindDirectPinned TransportKind = "direct-pinned"

	// KindRelayGateway is a relayed tunnel through a gateway that terminates
	// TLS with a publicly trusted certificate and authenticates clients with
	// an id/secret pair.
	KindRelayGateway TransportKind = "relay-gateway"

	// KindMeshTrusted is a mesh-network overlay address behind a certificate
	// that chains to the system trust store.
	KindMeshTrusted TransportKind = "mesh-trusted"

	// KindMeshPinned is a mesh-network overlay address serving a self-signed
	// certificate, trusted by fingerprint pin.
	KindMeshPinned TransportKind = "mesh-pinned"

	// KindUnsupported marks a pairing URL whose transport segment this client
	// does not recognize. The raw segment is preserved on the Descriptor so
	// the error can name it; newer hosts may offer transports older clients
	// cannot speak.
	KindUnsupported TransportKind = "unsupported"
)

// pathKinds maps the <kind> path segment of a pairing URL to a transport
// kind. Hosts use short segments in QR codes; the full names are accepted
// too so URLs can be round-tripped.
var pathKinds = map[string]TransportKind{
	"direct":        KindDirectPinned,
	"direct-pinned": KindDirectPinned,
	"relay":         KindRelayGateway,
	"relay-gateway": KindRelayGateway,
	"mesh":          KindMeshTrusted,
	"mesh-trusted":  KindMeshTrusted,
	"mesh-pinned":   KindMeshPinned,
}

// KindFromPath resolves a pairing URL path segment to a TransportKind.
// Unknown segments return KindUnsupported rather than an error so callers
// can produce a message naming the segment.
func KindFromPath(segment string) TransportKind {
	if k, ok := pathKinds[segment]; ok {
		return k
	}
	return KindUnsupported
}

// Supported reports whether the kind is one this client can connect over.
func (k TransportKind) Supported() bool {
	switch k {
	case KindDirectPinned, KindRelayGateway, KindMeshTrusted, KindMeshPinned:
		return true
	}
	return false
}

// Pinned reports whether the kind trusts its host by certificate fingerprint
// instead of CA validation.
func (k TransportKind) Pinned() bool {
	return k == KindDirectPinned || k == KindMeshPinned
}

// Gateway reports whether the kind authenticates with a client id/secret
// pair in addition to the bearer token.
func (k TransportKind) Gateway() bool {
	return k == KindRelayGateway
}
