package capture

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnsafeURL is returned by CheckURL for targets that must never be fetched.
var ErrUnsafeURL = eris.New("capture: unsafe url")

// blockedHostSuffixes are names that only resolve inside a private network.
var blockedHostSuffixes = []string{
	".local",
	".localhost",
	".internal",
	".home.arpa",
	".localdomain",
}

// blockedPrefixes covers ranges netip has no predicate for.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// CheckURL validates a capture target without any network I/O. It rejects
// non-http(s) schemes, localhost and private-network host names, and literal
// IPs in loopback, private, link-local, unspecified or multicast ranges.
func CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, eris.Wrapf(ErrUnsafeURL, "parse %q", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, eris.Wrapf(ErrUnsafeURL, "scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return nil, eris.Wrap(ErrUnsafeURL, "credentials in url")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, eris.Wrap(ErrUnsafeURL, "empty host")
	}
	if host == "localhost" {
		return nil, eris.Wrap(ErrUnsafeURL, "localhost")
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil, eris.Wrapf(ErrUnsafeURL, "private host name %q", host)
		}
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		// Not an IP literal; a dotless name cannot be a public host.
		if !strings.Contains(host, ".") {
			return nil, eris.Wrapf(ErrUnsafeURL, "single-label host %q", host)
		}
		return u, nil
	}
	if reason := blockedAddr(addr.Unmap()); reason != "" {
		return nil, eris.Wrapf(ErrUnsafeURL, "%s address %s", reason, addr)
	}
	return u, nil
}

func blockedAddr(a netip.Addr) string {
	switch {
	case a.IsLoopback():
		return "loopback"
	case a.IsPrivate():
		return "private"
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return "link-local"
	case a.IsUnspecified():
		return "unspecified"
	case a.IsMulticast(), a.IsInterfaceLocalMulticast():
		return "multicast"
	}
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return "reserved"
		}
	}
	return ""
}
