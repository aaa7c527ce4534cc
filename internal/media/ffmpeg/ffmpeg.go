// Package ffmpeg runs the ffmpeg invocations the pipeline needs: cover art
// extraction, stem transcoding and the final stem mix with tags.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

const stderrTail = 2048

// Run executes binary with args and returns the tail of stderr on failure.
func Run(ctx context.Context, binary string, args ...string) error {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", binary, errors.Join(ctxErr, err))
		}
		if msg == "" {
			return fmt.Errorf("%s: %w", binary, err)
		}
		return fmt.Errorf("%s: %w: %s", binary, err, msg)
	}
	return nil
}

// ExtractCoverArt copies the embedded picture of input into output.
func ExtractCoverArt(ctx context.Context, binary, input, output string) error {
	return Run(ctx, binary, "-y", "-v", "error", "-i", input, "-an", "-map", "0:v:0", "-c:v", "copy", "-frames:v", "1", output)
}

// Transcode converts input to an mp3 at bitrate.
func Transcode(ctx context.Context, binary, input, output, bitrate string) error {
	args := []string{"-y", "-v", "error", "-i", input, "-vn", "-c:a", "libmp3lame"}
	if bitrate != "" {
		args = append(args, "-b:a", bitrate)
	}
	return Run(ctx, binary, append(args, output)...)
}

// MixRequest describes one stem mix.
type MixRequest struct {
	Inputs   []string
	Output   string
	Bitrate  string
	CoverArt string
	// Metadata is written as container tags.
	Metadata map[string]string
}

// MixArgs builds the ffmpeg arguments for req. Several inputs are summed with
// amix without normalization so the stems keep their original levels.
func MixArgs(req MixRequest) ([]string, error) {
	if len(req.Inputs) == 0 {
		return nil, errors.New("mix: no inputs")
	}
	if strings.TrimSpace(req.Output) == "" {
		return nil, errors.New("mix: empty output path")
	}
	args := []string{"-y", "-v", "error"}
	for _, input := range req.Inputs {
		args = append(args, "-i", input)
	}
	coverIndex := -1
	if req.CoverArt != "" {
		coverIndex = len(req.Inputs)
		args = append(args, "-i", req.CoverArt)
	}

	if len(req.Inputs) == 1 {
		args = append(args, "-map", "0:a")
	} else {
		var filter strings.Builder
		for i := range req.Inputs {
			fmt.Fprintf(&filter, "[%d:a]", i)
		}
		fmt.Fprintf(&filter, "amix=inputs=%d:duration=longest:normalize=0[mix]", len(req.Inputs))
		args = append(args, "-filter_complex", filter.String(), "-map", "[mix]")
	}
	if coverIndex >= 0 {
		args = append(args,
			"-map", strconv.Itoa(coverIndex)+":v",
			"-c:v", "copy",
			"-disposition:v", "attached_pic",
			"-metadata:s:v", "title=Album cover",
			"-metadata:s:v", "comment=Cover (front)",
		)
	}
	args = append(args, "-c:a", "libmp3lame")
	if req.Bitrate != "" {
		args = append(args, "-b:a", req.Bitrate)
	}
	args = append(args, "-id3v2_version", "3")

	keys := make([]string, 0, len(req.Metadata))
	for key, value := range req.Metadata {
		if strings.TrimSpace(value) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-metadata", key+"="+req.Metadata[key])
	}
	return append(args, req.Output), nil
}

// Mix runs the stem mix described by req.
func Mix(ctx context.Context, binary string, req MixRequest) error {
	args, err := MixArgs(req)
	if err != nil {
		return err
	}
	return Run(ctx, binary, args...)
}
