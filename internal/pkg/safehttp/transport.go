// Package safehttp builds HTTP clients that refuse to dial private networks.
// It is used for URLs supplied by callers, such as input images.
package safehttp

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

// cgnat is the carrier-grade NAT range, which net.IP does not classify.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Blocked reports whether an address must not be dialed.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	return !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}

func control(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("safehttp: parse %q: %w", address, err)
	}
	if Blocked(ap.Addr()) {
		return fmt.Errorf("safehttp: access to %s is denied", ap.Addr())
	}
	return nil
}

// NewTransport returns a transport whose dialer checks the resolved address
// before connecting, so DNS rebinding cannot reach an internal host.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: control,
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
}

// NewClient returns a client over NewTransport that also refuses redirects
// beyond a small limit.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: NewTransport(),
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("safehttp: too many redirects")
			}
			return nil
		},
	}
}
