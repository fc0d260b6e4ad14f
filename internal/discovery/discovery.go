// Package discovery browses the local network for agent hosts via
// mDNS/DNS-SD.
//
// Hosts that opt in advertise themselves as _agentlink._tcp with TXT
// records carrying their protocol version, display name, and TLS
// certificate fingerprint. Discovery only reveals presence; a pairing
// code is still required to obtain credentials.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type advertised by agent hosts.
// Follows the standard Bonjour naming convention: _<service>._<protocol>
const ServiceType = "_agentlink._tcp"

// Host is one agent host found on the local network.
type Host struct {
	// Name is the human-readable name of the host.
	Name string

	// Addr is the IP address, IPv4 preferred.
	Addr string

	// Port is the pairing endpoint port.
	Port int

	// Fingerprint is the TLS certificate fingerprint from the TXT record,
	// if the host published one. Shown to the user so the pairing URL's
	// fingerprint can be eyeballed against it.
	Fingerprint string

	// Version is the advertised protocol version.
	Version string
}

// PairingURL returns the base URL a direct pairing code for this host
// would target.
func (h Host) PairingURL() string {
	return fmt.Sprintf("https://%s:%d", h.Addr, h.Port)
}

// Browse searches the local network for agent hosts until the context
// expires, then returns everything found. Callers bound the search with a
// context deadline.
func Browse(ctx context.Context) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []Host
		mu    sync.Mutex
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			mu.Lock()
			hosts = append(hosts, hostFromEntry(entry))
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes the entries channel when the context is done.
	<-ctx.Done()
	wg.Wait()

	return hosts, nil
}

// hostFromEntry converts a raw service entry, parsing the TXT records.
func hostFromEntry(entry *zeroconf.ServiceEntry) Host {
	host := Host{
		Name: entry.Instance,
		Port: entry.Port,
	}

	if len(entry.AddrIPv4) > 0 {
		host.Addr = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host.Addr = entry.AddrIPv6[0].String()
	}

	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "fp="):
			host.Fingerprint = strings.TrimPrefix(txt, "fp=")
		case strings.HasPrefix(txt, "version="):
			host.Version = strings.TrimPrefix(txt, "version=")
		case strings.HasPrefix(txt, "name="):
			host.Name = strings.TrimPrefix(txt, "name=")
		}
	}

	return host
}
