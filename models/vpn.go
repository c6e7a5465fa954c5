package models

import "time"

type VPNStatus string

const (
	VPNUninitialized VPNStatus = "uninitialized"
	VPNConnecting    VPNStatus = "connecting"
	VPNConnected     VPNStatus = "connected"
	VPNDegraded      VPNStatus = "degraded"
	VPNError         VPNStatus = "error"
)

// ExitNode is a peer that can route the tunnel's egress traffic
type ExitNode struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	DNSName string `json:"dns_name,omitempty"`
	IP      string `json:"ip,omitempty"`
	Online  bool   `json:"online"`
}

// VPNState is an immutable snapshot of the tunnel; never mutate one after publishing it
type VPNState struct {
	Status             VPNStatus  `json:"status"`
	ExternalIP         string     `json:"external_ip,omitempty"`
	ExitNodeID         string     `json:"exit_node_id,omitempty"`
	ExitNodeOnline     bool       `json:"exit_node_online"`
	AvailableExitNodes []ExitNode `json:"available_exit_nodes"`
	Error              string     `json:"error,omitempty"`
	ErrorKind          string     `json:"error_kind,omitempty"`
	CheckedAt          time.Time  `json:"checked_at"`
}

// Healthy reports whether traffic can flow through the tunnel
func (s *VPNState) Healthy() bool {
	return s.Status == VPNConnected
}
