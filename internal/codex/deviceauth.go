package codex

import (
	"bufio"
	"errors"
	"io"
	"regexp"
	"strings"
)

// Device-auth output grammar. The codex CLI prints a verification URL
// and a short pairing code, wrapped in ANSI styling and free-form
// prose that has changed between releases, so matching is kept loose:
// a URL counts when it shares a line with an instruction verb or
// stands alone; the code is the first XXXX-XXXX token anywhere.
var (
	ansiRE   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	urlRE    = regexp.MustCompile(`https://[^\s]+`)
	codeRE   = regexp.MustCompile(`\b[A-Z0-9]{4}-[A-Z0-9]{4}\b`)
	promptRE = regexp.MustCompile(`(?i)(visit|open|go to)`)
)

// StripANSI removes CSI escape sequences.
func StripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// DeviceAuth is a parsed device-authorization prompt.
type DeviceAuth struct {
	URL  string `json:"url"`
	Code string `json:"code"`
}

// DeviceAuthParser accumulates URL and code across fed lines.
type DeviceAuthParser struct {
	auth DeviceAuth
}

// Feed consumes one raw output line and reports the state so far and
// whether both pieces have been found.
func (p *DeviceAuthParser) Feed(line string) (DeviceAuth, bool) {
	line = StripANSI(line)
	if p.auth.URL == "" {
		if m := urlRE.FindString(line); m != "" {
			if promptRE.MatchString(line) || strings.TrimSpace(line) == m {
				p.auth.URL = m
			}
		}
	}
	if p.auth.Code == "" {
		p.auth.Code = codeRE.FindString(line)
	}
	return p.auth, p.auth.URL != "" && p.auth.Code != ""
}

// ParseDeviceAuth reads lines until both the URL and the code appear.
// Output ending first is an error: the login flow cannot continue
// without something to show the user.
func ParseDeviceAuth(r io.Reader) (DeviceAuth, error) {
	var p DeviceAuthParser
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if auth, done := p.Feed(scanner.Text()); done {
			return auth, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return DeviceAuth{}, err
	}
	return DeviceAuth{}, errors.New("device-auth output ended before a url and code appeared")
}
