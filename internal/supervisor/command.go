package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"streamgate/internal/stream"
)

// ManifestName is the playlist filename the capture process writes and
// the relay serves.
const ManifestName = "index.m3u8"

// CommandBuilder produces the argv for the capture process. The default
// builds an ffmpeg invocation; tests substitute short-lived commands.
type CommandBuilder func(mediaURL, outputDir, recordingPath string) []string

// FFmpegCommand returns the default builder for the given ffmpeg binary.
// One process produces both outputs: the segmented HLS stream the relay
// serves, and the durable MP4 recording. Flags follow the tuning the
// capture pipeline converged on: zero-latency x264 for the live path,
// stream copy plus AAC re-encode for the recording, and resilient MP4
// movflags so an unclean exit stays repairable.
func FFmpegCommand(bin string) CommandBuilder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return func(mediaURL, outputDir, recordingPath string) []string {
		args := []string{
			bin,
			"-hide_banner", "-loglevel", "warning",
			"-fflags", "+genpts",
			"-i", mediaURL,

			// Live HLS output.
			"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
			"-profile:v", "main", "-level", "4.1", "-crf", "23",
			"-c:a", "aac", "-b:a", "192k", "-ar", "48000",
			"-hls_time", "4", "-hls_list_size", "10",
			"-hls_flags", "delete_segments+program_date_time",
			"-start_number", "0",
			"-g", "96", "-keyint_min", "96", "-sc_threshold", "0",
			"-f", "hls", filepath.Join(outputDir, ManifestName),
		}
		if recordingPath != "" {
			args = append(args,
				// Durable recording output.
				"-c:v", "copy",
				"-c:a", "aac", "-b:a", "192k", "-ar", "48000",
				"-movflags", "+faststart+frag_keyframe+empty_moov",
				"-avoid_negative_ts", "make_zero",
				"-map", "0",
				"-f", "mp4", recordingPath,
			)
		}
		return args
	}
}

// RecordingFilename builds the recording artifact name:
// {platform}_{key}_{sanitizedTitle}_{unix}.mp4.
func RecordingFilename(sess stream.Session, now time.Time) string {
	key := sess.StreamKey
	if key == "" {
		key = "stream"
	}
	return fmt.Sprintf("%s_%s_%s_%d.mp4", sess.Platform, key, sanitizeTitle(sess.Title), now.Unix())
}

// sanitizeTitle makes a stream title safe for use in a filename.
func sanitizeTitle(title string) string {
	if title == "" {
		return "untitled"
	}
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_-")
	if out == "" {
		return "untitled"
	}
	if len(out) > 50 {
		out = out[:50]
	}
	return out
}
