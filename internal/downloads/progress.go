package downloads

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	ansiRe     = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	percentRe  = regexp.MustCompile(`\[download\]\s+([\d.]+)%`)
	speedRe    = regexp.MustCompile(`\bat\s+(\S+)`)
	etaRe      = regexp.MustCompile(`\bETA\s+(\S+)`)
	sizeRe     = regexp.MustCompile(`\bof\s+~?\s*([\d.]+)\s*([KMGT]?i?B)\b`)
	destRe     = regexp.MustCompile(`^\[(?:download|ExtractAudio|VideoConvertor)\]\s+Destination:\s+(.+)$`)
	mergeRe    = regexp.MustCompile(`^\[Merger\]\s+Merging formats into\s+"(.+)"$`)
	alreadyRe  = regexp.MustCompile(`^\[download\]\s+(.+?) has already been downloaded`)
	mediaExtRe = regexp.MustCompile(`(?i)\.(mp4|mkv|webm|ts|m4a|mp3|opus|ogg|flac|wav|mov)$`)
)

var sizeMultipliers = map[string]float64{
	"B":   1,
	"KB":  1e3,
	"MB":  1e6,
	"GB":  1e9,
	"TB":  1e12,
	"KIB": 1 << 10,
	"MIB": 1 << 20,
	"GIB": 1 << 30,
	"TIB": 1 << 40,
}

// Progress is one parsed downloader progress line
type Progress struct {
	Percent    float64
	Speed      string
	ETA        string
	TotalBytes int64
}

// ParseProgress extracts progress from a line such as
// "[download]  45.2% of ~50.00MiB at 1.23MiB/s ETA 00:30".
func ParseProgress(line string) (Progress, bool) {
	line = StripANSI(line)
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Progress{}, false
	}
	if pct > 100 {
		pct = 100
	}

	p := Progress{Percent: pct}
	if s := speedRe.FindStringSubmatch(line); s != nil && s[1] != "Unknown" {
		p.Speed = s[1]
	}
	if e := etaRe.FindStringSubmatch(line); e != nil && e[1] != "Unknown" {
		p.ETA = e[1]
	}
	if sz := sizeRe.FindStringSubmatch(line); sz != nil {
		p.TotalBytes = parseSize(sz[1], sz[2])
	}
	return p, true
}

// ParseDestination returns the output file named by a destination,
// merger or already-downloaded line.
func ParseDestination(line string) (string, bool) {
	line = strings.TrimSpace(StripANSI(line))
	for _, re := range []*regexp.Regexp{mergeRe, destRe, alreadyRe} {
		if m := re.FindStringSubmatch(line); m != nil {
			path := strings.Trim(strings.TrimSpace(m[1]), `"`)
			if mediaExtRe.MatchString(path) {
				return path, true
			}
		}
	}
	return "", false
}

// IsErrorLine reports whether the downloader flagged the line as an error
func IsErrorLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(StripANSI(line)), "ERROR:")
}

func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// TitleFromPath derives a display title from an output filename
func TitleFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func parseSize(value, unit string) int64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	mult, ok := sizeMultipliers[strings.ToUpper(unit)]
	if !ok {
		return 0
	}
	return int64(v * mult)
}

// tail keeps the last n lines of output, and separately the last n error
// lines, for failure messages
type tail struct {
	n      int
	lines  []string
	errors []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) Add(line string) {
	t.lines = keepLast(append(t.lines, line), t.n)
	if IsErrorLine(line) {
		msg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(StripANSI(line)), "ERROR:"))
		t.errors = keepLast(append(t.errors, msg), t.n)
	}
}

// Message prefers ERROR: lines and falls back to the raw tail
func (t *tail) Message() string {
	if len(t.errors) > 0 {
		return strings.Join(t.errors, "\n")
	}
	return strings.Join(t.lines, "\n")
}

func keepLast(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}
