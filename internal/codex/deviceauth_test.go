package codex

import (
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"\x1b[1;32mbold green\x1b[0m", "bold green"},
		{"\x1b[?25lhidden cursor\x1b[?25h", "hidden cursor"},
		{"mixed \x1b[4munder\x1b[24m line", "mixed under line"},
	}
	for _, tt := range tests {
		if got := StripANSI(tt.in); got != tt.want {
			t.Errorf("StripANSI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeviceAuthParser_Feed(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		wantURL  string
		wantCode string
		wantDone bool
	}{
		{
			name: "prompt then code",
			lines: []string{
				"Sign in to Codex",
				"Go to: https://auth.openai.com/device",
				"Enter code: ABCD-1234",
			},
			wantURL:  "https://auth.openai.com/device",
			wantCode: "ABCD-1234",
			wantDone: true,
		},
		{
			name: "code before url",
			lines: []string{
				"Your one-time code is WXYZ-0001",
				"Visit https://example.com/activate to continue",
			},
			wantURL:  "https://example.com/activate",
			wantCode: "WXYZ-0001",
			wantDone: true,
		},
		{
			name: "bare url line counts",
			lines: []string{
				"  https://example.com/activate  ",
				"XYZW-9876",
			},
			wantURL:  "https://example.com/activate",
			wantCode: "XYZW-9876",
			wantDone: true,
		},
		{
			name: "url buried in prose is ignored",
			lines: []string{
				"docs live at https://example.com/docs if you are stuck",
				"PQRS-1111",
			},
			wantURL:  "",
			wantCode: "PQRS-1111",
			wantDone: false,
		},
		{
			name: "ansi styling stripped first",
			lines: []string{
				"\x1b[32mopen https://a.example/dev\x1b[0m",
				"\x1b[1mA1B2-C3D4\x1b[0m",
			},
			wantURL:  "https://a.example/dev",
			wantCode: "A1B2-C3D4",
			wantDone: true,
		},
		{
			name: "longer tokens are not codes",
			lines: []string{
				"visit https://a.example/dev",
				"ABCDE-1234 and ABCD-12345 are not codes",
			},
			wantURL:  "https://a.example/dev",
			wantCode: "",
			wantDone: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p DeviceAuthParser
			var auth DeviceAuth
			var done bool
			for _, line := range tt.lines {
				auth, done = p.Feed(line)
			}
			if auth.URL != tt.wantURL || auth.Code != tt.wantCode || done != tt.wantDone {
				t.Errorf("got %+v done=%v, want url %q code %q done=%v",
					auth, done, tt.wantURL, tt.wantCode, tt.wantDone)
			}
		})
	}
}

func TestParseDeviceAuth(t *testing.T) {
	out := strings.NewReader(
		"Sign in to use your Codex subscription\n" +
			"Go to: https://auth.openai.com/device\n" +
			"Enter code: ABCD-1234\n" +
			"Waiting for approval...\n")
	auth, err := ParseDeviceAuth(out)
	if err != nil {
		t.Fatalf("ParseDeviceAuth: %v", err)
	}
	if auth.URL != "https://auth.openai.com/device" || auth.Code != "ABCD-1234" {
		t.Errorf("auth = %+v", auth)
	}
}

func TestParseDeviceAuth_IncompleteOutput(t *testing.T) {
	out := strings.NewReader("Go to: https://auth.openai.com/device\n")
	if _, err := ParseDeviceAuth(out); err == nil {
		t.Error("output without a code should be an error")
	}
}
