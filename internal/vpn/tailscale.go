package vpn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

const defaultIPEchoURL = "https://api.ipify.org"

// CommandResult holds the result of one CLI invocation
type CommandResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration int64  `json:"duration_ms"`
}

// Output is stdout and stderr joined, for error classification
func (r *CommandResult) Output() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// TailscaleClient drives the tailscale CLI against the local daemon
type TailscaleClient struct {
	Binary        string
	ProxyEndpoint string // SOCKS5 listener exposed by tailscaled, e.g. localhost:1055
	IPEchoURL     string
	httpClient    *http.Client
}

func NewTailscaleClient(binary, proxyEndpoint string) *TailscaleClient {
	if binary == "" {
		binary = "tailscale"
	}
	return &TailscaleClient{
		Binary:        binary,
		ProxyEndpoint: proxyEndpoint,
		IPEchoURL:     defaultIPEchoURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(&url.URL{Scheme: "socks5", Host: proxyEndpoint}),
			},
		},
	}
}

// Run executes the CLI and returns the result; a non-zero exit is not an error here
func (c *TailscaleClient) Run(ctx context.Context, args ...string) (*CommandResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, c.Binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := &CommandResult{Command: c.Binary + " " + redactArgs(args)}
	err := cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Duration = time.Since(start).Milliseconds()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to run %s: %w", c.Binary, err)
	}
	return result, nil
}

func (c *TailscaleClient) Up(ctx context.Context, opts UpOptions) error {
	args := []string{
		"up",
		"--login-server", opts.ControlServerURL,
		"--auth-key", opts.AuthKey,
		"--accept-routes",
		"--accept-dns=false",
		"--reset",
	}
	if opts.ExitNodeID != "" {
		args = append(args, "--exit-node", opts.ExitNodeID, "--exit-node-allow-lan-access=false")
	}

	result, err := c.Run(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			return newError(KindUnreachable, ctx.Err())
		}
		return newError(KindUnreachable, err)
	}
	if result.ExitCode != 0 {
		out := result.Output()
		return newError(classifyOutput(out), errors.New(firstLine(out)))
	}
	return nil
}

type statusJSON struct {
	BackendState string                    `json:"BackendState"`
	Health       []string                  `json:"Health"`
	Peer         map[string]peerStatusJSON `json:"Peer"`
}

type peerStatusJSON struct {
	HostName       string   `json:"HostName"`
	DNSName        string   `json:"DNSName"`
	TailscaleIPs   []string `json:"TailscaleIPs"`
	Online         bool     `json:"Online"`
	ExitNode       bool     `json:"ExitNode"`
	ExitNodeOption bool     `json:"ExitNodeOption"`
}

func (c *TailscaleClient) Status(ctx context.Context) (*Status, error) {
	result, err := c.Run(ctx, "status", "--json")
	if err != nil {
		return nil, err
	}
	// status exits non-zero while stopped but still prints JSON
	if strings.TrimSpace(result.Stdout) == "" {
		return nil, fmt.Errorf("tailscale status: %s", firstLine(result.Output()))
	}
	return ParseStatus([]byte(result.Stdout))
}

// ParseStatus decodes the output of `tailscale status --json`
func ParseStatus(data []byte) (*Status, error) {
	var raw statusJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tailscale status: %w", err)
	}

	st := &Status{BackendState: raw.BackendState, Health: raw.Health}
	for _, p := range raw.Peer {
		st.Peers = append(st.Peers, Peer{
			HostName:       p.HostName,
			DNSName:        p.DNSName,
			IPs:            p.TailscaleIPs,
			Online:         p.Online,
			ExitNode:       p.ExitNode,
			ExitNodeOption: p.ExitNodeOption,
		})
	}
	return st, nil
}

func (c *TailscaleClient) SetExitNode(ctx context.Context, id string) error {
	result, err := c.Run(ctx, "set", "--exit-node", id, "--exit-node-allow-lan-access=false")
	if err != nil {
		return newError(KindUnreachable, err)
	}
	if result.ExitCode != 0 {
		return newError(KindExitNodeUnavailable, errors.New(firstLine(result.Output())))
	}
	return nil
}

func (c *TailscaleClient) Down(ctx context.Context) error {
	result, err := c.Run(ctx, "down")
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("tailscale down: %s", firstLine(result.Output()))
	}
	return nil
}

// ExternalIP asks an IP echo service for our address, going through the SOCKS5 proxy
func (c *TailscaleClient) ExternalIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.IPEchoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip echo returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("ip echo returned %q", ip)
	}
	return ip, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// redactArgs hides the auth key in logged command lines
func redactArgs(args []string) string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "--auth-key" {
			out[i+1] = "***"
		}
	}
	return strings.Join(out, " ")
}
