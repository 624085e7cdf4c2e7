package hls

import (
	"errors"
	"fmt"
	"strings"
)

// Rendition is one fixed-quality entry of the ladder.
type Rendition struct {
	Name        string `toml:"name"`
	Width       int    `toml:"width"`
	Height      int    `toml:"height"`
	VideoKbps   int    `toml:"video_kbps"`
	AudioKbps   int    `toml:"audio_kbps"`
	MaxRateKbps int    `toml:"maxrate_kbps"`
	BufferKbps  int    `toml:"buffer_kbps"`
}

// Bandwidth is the advertised peak in bits per second.
func (r Rendition) Bandwidth() int {
	return (r.VideoKbps + r.AudioKbps) * 1000
}

// Resolution formats the frame size as WxH.
func (r Rendition) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// PlaylistName is the variant playlist file name.
func (r Rendition) PlaylistName() string {
	return r.Name + ".m3u8"
}

// SegmentPattern is the printf-style segment file name passed to the encoder.
func (r Rendition) SegmentPattern() string {
	return r.Name + "_%03d.ts"
}

// Ladder is ordered from the lowest to the highest quality.
type Ladder []Rendition

// DefaultLadder returns the fixed rendition ladder.
func DefaultLadder() Ladder {
	return Ladder{
		{Name: "240p", Width: 426, Height: 240, VideoKbps: 400, AudioKbps: 96, MaxRateKbps: 500, BufferKbps: 800},
		{Name: "480p", Width: 854, Height: 480, VideoKbps: 800, AudioKbps: 96, MaxRateKbps: 950, BufferKbps: 1200},
		{Name: "720p", Width: 1280, Height: 720, VideoKbps: 1500, AudioKbps: 128, MaxRateKbps: 1800, BufferKbps: 3000},
		{Name: "1080p", Width: 1920, Height: 1080, VideoKbps: 3000, AudioKbps: 128, MaxRateKbps: 3500, BufferKbps: 5000},
	}
}

// Validate checks that every entry is usable and that names are unique.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return errors.New("ladder is empty")
	}
	seen := make(map[string]struct{}, len(l))
	for i, r := range l {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("ladder entry %d: name is required", i)
		}
		if strings.ContainsAny(name, `/\ `) {
			return fmt.Errorf("ladder entry %q: name must not contain separators or spaces", name)
		}
		if r.PlaylistName() == MasterName {
			return fmt.Errorf("ladder entry %q: name collides with the master playlist", name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("ladder entry %q: duplicate name", name)
		}
		seen[name] = struct{}{}
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("ladder entry %q: resolution must be positive", name)
		}
		if r.VideoKbps <= 0 || r.AudioKbps <= 0 {
			return fmt.Errorf("ladder entry %q: bitrates must be positive", name)
		}
		if r.MaxRateKbps < r.VideoKbps {
			return fmt.Errorf("ladder entry %q: maxrate below video bitrate", name)
		}
		if r.BufferKbps <= 0 {
			return fmt.Errorf("ladder entry %q: buffer must be positive", name)
		}
	}
	return nil
}
