package downloads

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tunneldl/api/models"
)

type probeJSON struct {
	Title     string       `json:"title"`
	Duration  float64      `json:"duration"`
	Thumbnail string       `json:"thumbnail"`
	Formats   []formatJSON `json:"formats"`
}

type formatJSON struct {
	FormatID       string   `json:"format_id"`
	FormatNote     string   `json:"format_note"`
	Ext            string   `json:"ext"`
	Resolution     string   `json:"resolution"`
	Height         *int     `json:"height"`
	FPS            *float64 `json:"fps"`
	VCodec         string   `json:"vcodec"`
	ACodec         string   `json:"acodec"`
	ABR            *float64 `json:"abr"`
	Filesize       *int64   `json:"filesize"`
	FilesizeApprox *int64   `json:"filesize_approx"`
}

func (f formatJSON) hasVideo() bool {
	return f.VCodec != "" && f.VCodec != "none"
}

func (f formatJSON) hasAudio() bool {
	return f.ACodec != "" && f.ACodec != "none"
}

// ParseMediaInfo decodes the downloader's --dump-single-json output
func ParseMediaInfo(data []byte) (*models.MediaInfo, error) {
	var raw probeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode media info: %w", err)
	}

	info := &models.MediaInfo{
		Title:     raw.Title,
		Duration:  raw.Duration,
		Thumbnail: raw.Thumbnail,
		Formats:   make([]models.FormatInfo, 0, len(raw.Formats)),
	}
	for _, f := range raw.Formats {
		if !f.hasVideo() && !f.hasAudio() {
			continue // storyboards and the like
		}
		fi := models.FormatInfo{
			FormatID:   f.FormatID,
			Ext:        f.Ext,
			Quality:    qualityLabel(f),
			Resolution: f.Resolution,
			VCodec:     f.VCodec,
			ACodec:     f.ACodec,
			HasVideo:   f.hasVideo(),
			HasAudio:   f.hasAudio(),
		}
		if f.FPS != nil {
			fi.FPS = *f.FPS
		}
		switch {
		case f.Filesize != nil:
			fi.Filesize = *f.Filesize
		case f.FilesizeApprox != nil:
			fi.Filesize = *f.FilesizeApprox
		}
		info.Formats = append(info.Formats, fi)
	}
	return info, nil
}

// qualityLabel renders "1080p", "720p60" or "128kbps"
func qualityLabel(f formatJSON) string {
	if f.Height != nil && *f.Height > 0 {
		label := fmt.Sprintf("%dp", *f.Height)
		if f.FPS != nil && *f.FPS > 30 {
			label += fmt.Sprintf("%d", int(math.Round(*f.FPS)))
		}
		return label
	}
	if f.ABR != nil && *f.ABR > 0 {
		return fmt.Sprintf("%dkbps", int(*f.ABR))
	}
	if f.FormatNote != "" {
		return f.FormatNote
	}
	return f.FormatID
}

// SelectorFor turns a chosen format id into a selector. Video-only formats
// are paired with the best audio track at or under 128kbps.
func SelectorFor(info *models.MediaInfo, formatID string) string {
	if info == nil || formatID == "" {
		return formatID
	}
	var chosen *models.FormatInfo
	for i := range info.Formats {
		if info.Formats[i].FormatID == formatID {
			chosen = &info.Formats[i]
			break
		}
	}
	if chosen == nil || !chosen.HasVideo || chosen.HasAudio {
		return formatID
	}
	if audio := bestAudio(info.Formats, 128); audio != "" {
		return formatID + "+" + audio
	}
	return formatID + "+bestaudio"
}

func bestAudio(formats []models.FormatInfo, maxKbps int) string {
	best, bestRate := "", -1
	over, overRate := "", math.MaxInt
	for _, f := range formats {
		if !f.HasAudio || f.HasVideo {
			continue
		}
		rate := kbps(f.Quality)
		if rate <= maxKbps && rate > bestRate {
			best, bestRate = f.FormatID, rate
		}
		if rate > maxKbps && rate < overRate {
			over, overRate = f.FormatID, rate
		}
	}
	if best != "" {
		return best
	}
	return over
}

func kbps(label string) int {
	var n int
	if _, err := fmt.Sscanf(label, "%dkbps", &n); err != nil {
		return 0
	}
	return n
}
