package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// repairTimeout bounds the remux pass; a repair that takes longer than
// this is abandoned and the original file kept as-is.
const repairTimeout = 5 * time.Minute

// RepairRecording remuxes a recording whose capture process did not
// exit cleanly: rebuilds the MP4 index into a temp file and atomically
// replaces the original on success. Empty recordings are deleted.
// Returns true if the file is usable afterwards.
func RepairRecording(ctx context.Context, ffmpegBin, path string, log *slog.Logger) bool {
	info, err := os.Stat(path)
	if err != nil {
		log.Warn("recording missing after capture exit", slog.String("path", path))
		return false
	}
	if info.Size() == 0 {
		log.Warn("discarding empty recording", slog.String("path", path))
		_ = os.Remove(path)
		return false
	}

	tmp := path + ".fixed.mp4"
	_ = os.Remove(tmp) // leftover from an earlier failed attempt

	ctx, cancel := context.WithTimeout(ctx, repairTimeout)
	defer cancel()

	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, ffmpegBin,
		"-hide_banner", "-loglevel", "warning",
		"-i", path,
		"-c:v", "copy",
		"-c:a", "aac", "-b:a", "192k", "-ar", "48000",
		"-movflags", "+faststart+frag_keyframe+empty_moov",
		"-avoid_negative_ts", "make_zero",
		"-map", "0",
		"-f", "mp4", tmp,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Error("recording repair failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
			slog.String("output", trimOutput(out)))
		_ = os.Remove(tmp)
		return false
	}

	if fi, err := os.Stat(tmp); err != nil || fi.Size() == 0 {
		log.Error("recording repair produced no output", slog.String("path", path))
		_ = os.Remove(tmp)
		return false
	}

	if err := os.Rename(tmp, path); err != nil {
		log.Error("replacing repaired recording failed",
			slog.String("path", path), slog.String("error", err.Error()))
		_ = os.Remove(tmp)
		return false
	}

	log.Info("recording repaired", slog.String("path", path))
	return true
}

func trimOutput(out []byte) string {
	const max = 512
	if len(out) > max {
		return fmt.Sprintf("%s... (%d bytes)", out[:max], len(out))
	}
	return string(out)
}
