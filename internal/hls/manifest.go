package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MasterName is the file name of the master playlist.
const MasterName = "master.m3u8"

// BuildMaster renders the master playlist for the ladder, one stream-info and
// reference pair per rendition in ladder order.
func BuildMaster(ladder Ladder) []byte {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, r := range ladder {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", r.Bandwidth(), r.Resolution())
		b.WriteString(r.PlaylistName())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// WriteMaster writes master.m3u8 into dir and returns its path. The file is
// renamed into place so a crash never leaves a truncated manifest behind.
func WriteMaster(dir string, ladder Ladder) (string, error) {
	dest := filepath.Join(dir, MasterName)
	tmp, err := os.CreateTemp(dir, ".master-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create manifest temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(BuildMaster(ladder)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("chmod manifest: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename manifest: %w", err)
	}
	return dest, nil
}
