package downloads

import (
	"context"
	"io"
	"os"

	"github.com/tunneldl/api/models"
)

// Invocation describes one downloader run
type Invocation struct {
	URL            string
	Format         string // downloader format selector, empty for best
	OutputTemplate string
	ProxyEndpoint  string
	CookiesFile    string
	UserAgent      string
}

// Process is a running downloader
type Process interface {
	// Output streams combined stdout and stderr. It reaches EOF after the process exits.
	Output() io.Reader
	// Terminate asks the process to stop gracefully.
	Terminate() error
	// Kill stops the process immediately.
	Kill() error
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
}

// Runner launches the downloader
type Runner interface {
	Start(ctx context.Context, inv Invocation) (Process, error)
	Probe(ctx context.Context, inv Invocation) (*models.MediaInfo, error)
}

// FormatSelector falls back to best available when the requested format is gone
func FormatSelector(requested string) string {
	if requested == "" {
		return "bestvideo+bestaudio/best"
	}
	return requested + "/bestvideo+bestaudio/best"
}

// BuildArgs assembles the downloader command line
func BuildArgs(inv Invocation) []string {
	args := []string{
		"--newline",
		"--no-colors",
		"--no-playlist",
		"-o", inv.OutputTemplate,
		"--merge-output-format", "mp4",
	}
	args = append(args, commonArgs(inv)...)
	args = append(args, "-f", FormatSelector(inv.Format), "--", inv.URL)
	return args
}

// BuildProbeArgs assembles the command line for listing formats
func BuildProbeArgs(inv Invocation) []string {
	args := []string{"--dump-single-json", "--no-warnings", "--skip-download", "--no-playlist"}
	args = append(args, commonArgs(inv)...)
	return append(args, "--", inv.URL)
}

func commonArgs(inv Invocation) []string {
	var args []string
	if inv.UserAgent != "" {
		args = append(args, "--user-agent", inv.UserAgent)
	}
	if inv.ProxyEndpoint != "" {
		args = append(args, "--proxy", "socks5://"+inv.ProxyEndpoint)
	}
	if cookiesUsable(inv.CookiesFile) {
		args = append(args, "--cookies", inv.CookiesFile)
	}
	return args
}

// cookiesUsable reports whether the cookie jar exists and has content
func cookiesUsable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
