package core

import (
	"encoding/json"
	"fmt"
)

// HostConnectionInfo describes how clients reach a host. Exactly one
// variant is active: a direct connect URL, or routing through the
// master's local proxy. The accessors keep the variants mutually
// exclusive; construct values only through DirectConnection and
// LocalProxyConnection.
type HostConnectionInfo struct {
	connectURL string
	localProxy bool
	sshServer  string
}

// DirectConnection returns connection info pointing clients straight
// at the host's own listener.
func DirectConnection(connectURL, sshServer string) HostConnectionInfo {
	return HostConnectionInfo{connectURL: connectURL, sshServer: sshServer}
}

// LocalProxyConnection returns connection info telling clients to
// reach the host through the master's proxy (no inbound port open).
func LocalProxyConnection(sshServer string) HostConnectionInfo {
	return HostConnectionInfo{localProxy: true, sshServer: sshServer}
}

// ConnectURL returns the direct URL and true, or "" and false for the
// local-proxy variant.
func (h HostConnectionInfo) ConnectURL() (string, bool) {
	if h.localProxy {
		return "", false
	}
	return h.connectURL, h.connectURL != ""
}

// LocalProxy reports whether clients must route through the master.
func (h HostConnectionInfo) LocalProxy() bool { return h.localProxy }

// SSHServer returns the advertised SSH endpoint, if any.
func (h HostConnectionInfo) SSHServer() string { return h.sshServer }

type hostConnectionJSON struct {
	ConnectURL *string `json:"connect_url"`
	LocalProxy bool    `json:"local_proxy"`
	SSHServer  *string `json:"ssh_server"`
}

func (h HostConnectionInfo) MarshalJSON() ([]byte, error) {
	out := hostConnectionJSON{LocalProxy: h.localProxy}
	if !h.localProxy && h.connectURL != "" {
		out.ConnectURL = &h.connectURL
	}
	if h.sshServer != "" {
		out.SSHServer = &h.sshServer
	}
	return json.Marshal(out)
}

func (h *HostConnectionInfo) UnmarshalJSON(data []byte) error {
	var in hostConnectionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	ssh := ""
	if in.SSHServer != nil {
		ssh = *in.SSHServer
	}
	switch {
	case in.LocalProxy:
		// local_proxy overrides any stray connect_url.
		*h = LocalProxyConnection(ssh)
	case in.ConnectURL != nil && *in.ConnectURL != "":
		*h = DirectConnection(*in.ConnectURL, ssh)
	default:
		return fmt.Errorf("host connection info: neither connect_url nor local_proxy set")
	}
	return nil
}

// RegisterInfo is the payload the host publishes when registering
// with the master.
type RegisterInfo struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Region             string            `json:"region"`
	PublicURL          string            `json:"public_url,omitempty"`
	InternalURL        string            `json:"internal_url,omitempty"`
	SSHServer          string            `json:"ssh_server,omitempty"`
	SshpiperdPublicKey string            `json:"sshpiperd_public_key,omitempty"`
	Version            string            `json:"version"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// HeartbeatInfo is the payload the host publishes on every heartbeat
// tick. The load fields let the master see host pressure without a
// separate metrics scrape.
type HeartbeatInfo struct {
	ID              string `json:"id"`
	Version         string `json:"version"`
	LiveConnections int    `json:"live_connections"`
	ActiveLROs      int    `json:"active_lros"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}
