package models

import (
	"errors"
	"strings"
)

// Credentials is the single operator login
type Credentials struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"` // bcrypt, salt embedded
}

// VPNSettings is the VPN identity saved by setup
type VPNSettings struct {
	ControlServerURL string `json:"control_server_url"`
	AuthKey          string `json:"auth_key"`
	ExitNodeID       string `json:"exit_node_id"`
}

// ConfigRecord is the durable root of the application, stored as one JSON document
type ConfigRecord struct {
	SetupComplete bool        `json:"setup_complete"`
	Credentials   Credentials `json:"credentials"`
	VPN           VPNSettings `json:"vpn"`
	ProxyEndpoint string      `json:"proxy_endpoint"` // Local SOCKS5 listener, e.g. localhost:1055
	PublicURL     string      `json:"public_url,omitempty"`
}

var ErrIncompleteRecord = errors.New("setup is marked complete but the record is missing required fields")

// Validate checks that a completed record carries everything the app needs to boot
func (r *ConfigRecord) Validate() error {
	if !r.SetupComplete {
		return nil
	}
	var missing []string
	if r.Credentials.Username == "" || r.Credentials.PasswordHash == "" {
		missing = append(missing, "credentials")
	}
	if r.VPN.ControlServerURL == "" || r.VPN.AuthKey == "" {
		missing = append(missing, "vpn")
	}
	if r.ProxyEndpoint == "" {
		missing = append(missing, "proxy_endpoint")
	}
	if len(missing) > 0 {
		return errors.Join(ErrIncompleteRecord, errors.New("missing: "+strings.Join(missing, ", ")))
	}
	return nil
}

// Clone returns a copy safe to hand out
func (r *ConfigRecord) Clone() *ConfigRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// SettingsResponse is the view of the record returned to the UI (no secrets)
type SettingsResponse struct {
	Username         string `json:"username"`
	ControlServerURL string `json:"control_server_url"`
	ExitNodeID       string `json:"exit_node_id"`
	ProxyEndpoint    string `json:"proxy_endpoint"`
	PublicURL        string `json:"public_url"`
	AuthKeySet       bool   `json:"auth_key_set"`
}

func (r *ConfigRecord) ToResponse() SettingsResponse {
	return SettingsResponse{
		Username:         r.Credentials.Username,
		ControlServerURL: r.VPN.ControlServerURL,
		ExitNodeID:       r.VPN.ExitNodeID,
		ProxyEndpoint:    r.ProxyEndpoint,
		PublicURL:        r.PublicURL,
		AuthKeySet:       r.VPN.AuthKey != "",
	}
}
