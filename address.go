package nio

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Family enumerates the socket address families this module creates
// sockets for (spec §3: "family ∈ {IPv4, IPv6, Unix}").
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
	FamilyUnix
)

// unixPathMax mirrors UNIX_PATH_MAX from the original's network.h.
const unixPathMax = 108

// ParsedURL is the fully decomposed textual address form from spec §6:
//
//	[schema://][user[:password]@]host[:port][/path][?query]
//
// It is kept distinct from Address: ParsedURL carries every component of
// the generic textual form (including credentials and query, which a
// socket Address has no use for), while Address carries only what socket
// creation needs. AddressFromURL narrows one into the other.
type ParsedURL struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     int
	Path     string
	Query    string
}

// ParseURL decomposes s per spec §6's grammar. It delegates to net/url for
// the generic user/host/port/query split (no third-party URL-parsing
// library appears anywhere in the pack; net/url's RFC 3986 handling of
// user:pass@, bracketed IPv6 literals and query strings already covers
// this grammar, so reimplementing it by hand would be the stdlib-avoidance
// mistake in reverse) and adds the "unix:///path/to/socket" convention:
// for the unix schema, the path component is taken verbatim as the
// socket path and Host/Port are left empty.
func ParseURL(s string) (*ParsedURL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("nio: parse address %q: %w", s, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("nio: parse address %q: missing schema", s)
	}

	out := &ParsedURL{Scheme: u.Scheme, Path: u.Path, Query: u.RawQuery}
	if u.User != nil {
		out.User = u.User.Username()
		out.Password, _ = u.User.Password()
	}

	if u.Scheme == "unix" {
		// "unix://relative/path" parses the first path segment into
		// u.Host; net/url has no notion of "no authority" for custom
		// schemes, so recombine it with Path to recover the full path.
		if u.Host != "" {
			out.Path = u.Host + u.Path
		}
		return out, nil
	}

	host := u.Hostname()
	out.Host = host
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("nio: parse address %q: bad port %q", s, p)
		}
		out.Port = port
	}
	return out, nil
}

// String reassembles the textual form. Re-parsing it reproduces an
// equivalent ParsedURL (spec §8 round-trip property), modulo omission of
// a zero port.
func (u *ParsedURL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != "" {
		b.WriteString(u.User)
		if u.Password != "" {
			b.WriteByte(':')
			b.WriteString(u.Password)
		}
		b.WriteByte('@')
	}
	if u.Scheme == "unix" {
		b.WriteString(u.Path)
		return b.String()
	}
	if strings.Contains(u.Host, ":") {
		b.WriteByte('[')
		b.WriteString(u.Host)
		b.WriteByte(']')
	} else {
		b.WriteString(u.Host)
	}
	if u.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	if u.Path != "" {
		b.WriteString(u.Path)
	}
	if u.Query != "" {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	return b.String()
}

// Address is the socket-creation-relevant subset of a parsed address:
// the network kind (which selects socket family + type, spec §6's
// "Recognised schemas for socket creation"), the host or unix path, and
// the port (0 for unix).
type Address struct {
	Network string // tcp, tcp4, tcp6, udp, udp4, udp6, unix
	Host    string // DNS name, IPv4 literal, or IPv6 literal (no brackets)
	Port    int    // 0 for unix
	Path    string // unix socket path; empty for tcp/udp
}

// ParseAddress parses s via ParseURL and narrows it to an Address. The
// schema must be one of the recognised socket schemas.
func ParseAddress(s string) (Address, error) {
	u, err := ParseURL(s)
	if err != nil {
		return Address{}, err
	}
	return AddressFromURL(u)
}

// AddressFromURL narrows a ParsedURL into an Address, validating the
// schema and unix path length (spec §3 invariant: "unix path length <
// 108").
func AddressFromURL(u *ParsedURL) (Address, error) {
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", "udp", "udp4", "udp6":
		if u.Port < 0 || u.Port > 65535 {
			return Address{}, fmt.Errorf("nio: port out of range: %d", u.Port)
		}
		return Address{Network: u.Scheme, Host: u.Host, Port: u.Port}, nil
	case "unix":
		if len(u.Path) >= unixPathMax {
			return Address{}, fmt.Errorf("nio: unix path too long (%d >= %d): %s", len(u.Path), unixPathMax, u.Path)
		}
		return Address{Network: "unix", Path: u.Path}, nil
	default:
		return Address{}, fmt.Errorf("nio: unrecognised schema %q", u.Scheme)
	}
}

// String formats the Address back into its textual form.
func (a Address) String() string {
	if a.Network == "unix" {
		return "unix://" + a.Path
	}
	u := &ParsedURL{Scheme: a.Network, Host: a.Host, Port: a.Port}
	return u.String()
}

// family returns the socket address family and socket type for a.Network.
// Mirrors net::sockattr_from_protocol in the original's network.h.
func (a Address) family() (af, sotype int, err error) {
	switch a.Network {
	case "tcp", "tcp4":
		return unix.AF_INET, unix.SOCK_STREAM, nil
	case "tcp6":
		return unix.AF_INET6, unix.SOCK_STREAM, nil
	case "udp", "udp4":
		return unix.AF_INET, unix.SOCK_DGRAM, nil
	case "udp6":
		return unix.AF_INET6, unix.SOCK_DGRAM, nil
	case "unix":
		return unix.AF_UNIX, unix.SOCK_STREAM, nil
	default:
		return 0, 0, fmt.Errorf("nio: unrecognised network %q", a.Network)
	}
}

// sockaddr resolves a into a unix.Sockaddr, performing DNS resolution for
// hostnames synchronously (mirrors net::sockaddr_from_location's blocking
// getaddrinfo call — only the I/O after connect is non-blocking).
func (a Address) sockaddr() (unix.Sockaddr, error) {
	af, _, err := a.family()
	if err != nil {
		return nil, err
	}

	if af == unix.AF_UNIX {
		if len(a.Path) >= unixPathMax {
			return nil, fmt.Errorf("nio: unix path too long: %s", a.Path)
		}
		return &unix.SockaddrUnix{Name: a.Path}, nil
	}

	host := a.Host
	if host == "" {
		host = "0.0.0.0"
		if af == unix.AF_INET6 {
			host = "::"
		}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, fmt.Errorf("nio: resolve host %q: %w", host, err)
		}
		ip = pickIP(ips, af)
		if ip == nil {
			return nil, fmt.Errorf("nio: no address of matching family for host %q", host)
		}
	}

	if af == unix.AF_INET {
		v4 := ip.To4()
		if v4 == nil {
			return nil, fmt.Errorf("nio: host %q did not resolve to an IPv4 address", host)
		}
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], v4)
		return sa, nil
	}

	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("nio: host %q did not resolve to an IPv6 address", host)
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], v6)
	return sa, nil
}

func pickIP(ips []net.IP, af int) net.IP {
	for _, ip := range ips {
		if af == unix.AF_INET && ip.To4() != nil {
			return ip
		}
		if af == unix.AF_INET6 && ip.To4() == nil {
			return ip
		}
	}
	return nil
}

// addressFromSockaddr converts a resolved unix.Sockaddr (as returned by
// Accept) back into an Address, used to report the remote peer to the
// Listener's accept callback.
func addressFromSockaddr(network string, sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return Address{Network: network, Host: net.IP(v.Addr[:]).String(), Port: v.Port}
	case *unix.SockaddrInet6:
		return Address{Network: network, Host: net.IP(v.Addr[:]).String(), Port: v.Port}
	case *unix.SockaddrUnix:
		return Address{Network: "unix", Path: v.Name}
	default:
		return Address{Network: network}
	}
}
