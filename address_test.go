package nio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddressRoundTrip(t *testing.T) {
	cases := []string{
		"tcp://127.0.0.1:9000",
		"tcp6://[::1]:9000",
		"unix:///tmp/nio.sock",
		"udp://0.0.0.0:53",
	}
	for _, s := range cases {
		addr, err := ParseAddress(s)
		require.NoError(t, err, s)
		require.Equal(t, s, addr.String(), "round trip mismatch for %s", s)
	}
}

func TestParseURLFullGrammarRoundTrip(t *testing.T) {
	const raw = "http://user:pass@[fe80::1]:9090/p?q=1"
	u, err := ParseURL(raw)
	require.NoError(t, err)
	require.Equal(t, "http", u.Scheme)
	require.Equal(t, "user", u.User)
	require.Equal(t, "pass", u.Password)
	require.Equal(t, "fe80::1", u.Host)
	require.Equal(t, 9090, u.Port)
	require.Equal(t, "/p", u.Path)
	require.Equal(t, "q=1", u.Query)
	require.Equal(t, raw, u.String(), "round trip mismatch")
}

func TestParseAddressMissingSchema(t *testing.T) {
	_, err := ParseAddress("127.0.0.1:9000")
	require.Error(t, err)
}

func TestParseAddressBadPort(t *testing.T) {
	_, err := ParseAddress("tcp://127.0.0.1:99999")
	require.Error(t, err)
}

func TestParseAddressUnixPathTooLong(t *testing.T) {
	path := "/tmp/"
	for len(path) < 120 {
		path += "x"
	}
	_, err := AddressFromURL(&ParsedURL{Scheme: "unix", Path: path})
	require.Error(t, err)
}

func TestParseAddressUnrecognisedSchema(t *testing.T) {
	_, err := ParseAddress("redis://127.0.0.1:6379")
	require.Error(t, err)
}

func TestAddressFamily(t *testing.T) {
	addr, err := ParseAddress("tcp://127.0.0.1:1234")
	require.NoError(t, err)
	af, sotype, err := addr.family()
	require.NoError(t, err)
	require.NotZero(t, af)
	require.NotZero(t, sotype)
}
