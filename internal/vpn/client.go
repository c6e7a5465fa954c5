package vpn

import (
	"context"
	"sort"
	"strings"

	"github.com/tunneldl/api/models"
)

// UpOptions are the arguments for bringing the tunnel up
type UpOptions struct {
	ControlServerURL string
	AuthKey          string
	ExitNodeID       string
}

// Peer is one node of the tailnet as reported by the local daemon
type Peer struct {
	HostName       string
	DNSName        string
	IPs            []string
	Online         bool
	ExitNode       bool // currently routing our traffic
	ExitNodeOption bool // offers itself as an exit node
}

// ID is the identifier accepted by the client's exit-node flag
func (p Peer) ID() string {
	if len(p.IPs) > 0 {
		return p.IPs[0]
	}
	return p.HostName
}

func (p Peer) Name() string {
	if p.HostName != "" {
		return p.HostName
	}
	return strings.SplitN(strings.TrimSuffix(p.DNSName, "."), ".", 2)[0]
}

// Matches reports whether ref names this peer by id, hostname, DNS name or IP
func (p Peer) Matches(ref string) bool {
	if ref == "" {
		return false
	}
	if strings.EqualFold(ref, p.HostName) || strings.EqualFold(strings.TrimSuffix(ref, "."), strings.TrimSuffix(p.DNSName, ".")) {
		return true
	}
	for _, ip := range p.IPs {
		if ip == ref {
			return true
		}
	}
	return false
}

func (p Peer) ExitNodeInfo() models.ExitNode {
	var ip string
	if len(p.IPs) > 0 {
		ip = p.IPs[0]
	}
	return models.ExitNode{
		ID:      p.ID(),
		Name:    p.Name(),
		DNSName: strings.TrimSuffix(p.DNSName, "."),
		IP:      ip,
		Online:  p.Online,
	}
}

// Status is the daemon's view of the tunnel
type Status struct {
	BackendState string
	Health       []string
	Peers        []Peer
}

const (
	BackendRunning    = "Running"
	BackendNeedsLogin = "NeedsLogin"
	BackendStopped    = "Stopped"
)

func (s *Status) Running() bool {
	return s != nil && s.BackendState == BackendRunning
}

// ActiveExitNode returns the peer currently carrying our traffic, if any
func (s *Status) ActiveExitNode() *Peer {
	for i := range s.Peers {
		if s.Peers[i].ExitNode {
			return &s.Peers[i]
		}
	}
	return nil
}

// FindPeer looks up a peer by any identifier Peer.Matches accepts
func (s *Status) FindPeer(ref string) *Peer {
	for i := range s.Peers {
		if s.Peers[i].Matches(ref) {
			return &s.Peers[i]
		}
	}
	return nil
}

// ExitNodes lists peers offering themselves as exit nodes, sorted by name
func (s *Status) ExitNodes() []models.ExitNode {
	nodes := []models.ExitNode{}
	for _, p := range s.Peers {
		if p.ExitNodeOption {
			nodes = append(nodes, p.ExitNodeInfo())
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Name < nodes[j].Name
	})
	return nodes
}

// Client drives the local VPN daemon
type Client interface {
	Up(ctx context.Context, opts UpOptions) error
	Status(ctx context.Context) (*Status, error)
	SetExitNode(ctx context.Context, id string) error
	Down(ctx context.Context) error
	// ExternalIP resolves the public address seen through the tunnel's proxy
	ExternalIP(ctx context.Context) (string, error)
}
