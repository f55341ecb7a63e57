package cli

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeURL turns what a user typed into a usable API base URL: it
// adds an http scheme when none is present and strips trailing
// slashes so paths can be appended verbatim.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// IsRedirect reports whether an HTTP status asks the client to follow
// a Location header.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

// SSHEndpoint is a host with an optional port, as accepted by the
// tunnel flags.
type SSHEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
}

// String renders the endpoint back into the form ParseSSHEndpoint
// accepts.
func (e SSHEndpoint) String() string {
	if e.Port == 0 {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseSSHEndpoint splits "host", "host:port" and "[v6addr]:port"
// forms. A bare IPv6 address without brackets is taken whole as the
// host.
func ParseSSHEndpoint(s string) (SSHEndpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SSHEndpoint{}, fmt.Errorf("empty ssh endpoint")
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return SSHEndpoint{}, fmt.Errorf("invalid ssh port %q in %q", port, s)
		}
		if host == "" {
			return SSHEndpoint{}, fmt.Errorf("missing host in ssh endpoint %q", s)
		}
		return SSHEndpoint{Host: host, Port: n}, nil
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		host := s[1 : len(s)-1]
		if host == "" {
			return SSHEndpoint{}, fmt.Errorf("missing host in ssh endpoint %q", s)
		}
		return SSHEndpoint{Host: host}, nil
	}
	// One colon but SplitHostPort refused it ("host:" and friends).
	if strings.Count(s, ":") == 1 {
		return SSHEndpoint{}, fmt.Errorf("invalid ssh endpoint %q", s)
	}
	return SSHEndpoint{Host: s}, nil
}
