package downloads

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	args := BuildArgs(Invocation{
		URL:            "https://example.com/watch?v=1",
		Format:         "137+140",
		OutputTemplate: "/data/downloads/abc.%(ext)s",
		ProxyEndpoint:  "127.0.0.1:1055",
		UserAgent:      "test-agent",
	})

	assert.Equal(t, []string{
		"--newline",
		"--no-colors",
		"--no-playlist",
		"-o", "/data/downloads/abc.%(ext)s",
		"--merge-output-format", "mp4",
		"--user-agent", "test-agent",
		"--proxy", "socks5://127.0.0.1:1055",
		"-f", "137+140/bestvideo+bestaudio/best",
		"--", "https://example.com/watch?v=1",
	}, args)
}

func TestBuildArgs_URLNeverParsedAsFlag(t *testing.T) {
	args := BuildArgs(Invocation{URL: "--exec=rm -rf /", OutputTemplate: "x"})
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "--", args[len(args)-2])
	assert.Equal(t, "--exec=rm -rf /", args[len(args)-1])
}

func TestBuildArgs_Cookies(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	full := filepath.Join(dir, "cookies.txt")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	require.NoError(t, os.WriteFile(full, []byte("# Netscape HTTP Cookie File\n"), 0o600))

	assert.NotContains(t, BuildArgs(Invocation{CookiesFile: filepath.Join(dir, "missing.txt")}), "--cookies")
	assert.NotContains(t, BuildArgs(Invocation{CookiesFile: empty}), "--cookies")
	assert.NotContains(t, BuildArgs(Invocation{CookiesFile: dir}), "--cookies")

	args := BuildArgs(Invocation{CookiesFile: full})
	assert.Contains(t, args, "--cookies")
	assert.Contains(t, args, full)
}

func TestBuildProbeArgs(t *testing.T) {
	args := BuildProbeArgs(Invocation{URL: "https://example.com/v", ProxyEndpoint: "proxy:1080"})
	assert.Equal(t, "--dump-single-json", args[0])
	assert.Contains(t, args, "socks5://proxy:1080")
	assert.NotContains(t, args, "-f")
	assert.Equal(t, "https://example.com/v", args[len(args)-1])
}

func TestFormatSelector(t *testing.T) {
	assert.Equal(t, "bestvideo+bestaudio/best", FormatSelector(""))
	assert.Equal(t, "22/bestvideo+bestaudio/best", FormatSelector("22"))
}
