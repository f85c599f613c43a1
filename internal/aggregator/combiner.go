package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Combiner joins ordered clips into one output file.
type Combiner interface {
	Combine(ctx context.Context, inputs []string, output string) error
}

var (
	ErrEmptyPath   = errors.New("empty path")
	ErrInvalidPath = errors.New("path contains null byte")
)

// FFmpegCombiner concatenates clips with ffmpeg's concat demuxer, without
// re-encoding.
type FFmpegCombiner struct {
	binary string
}

func NewFFmpegCombiner(binary string) *FFmpegCombiner {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegCombiner{binary: binary}
}

func (c *FFmpegCombiner) Combine(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return ErrNoSuccesses
	}
	if err := validatePath(output); err != nil {
		return err
	}
	for _, in := range inputs {
		if err := validatePath(in); err != nil {
			return err
		}
	}

	list := filepath.Join(filepath.Dir(output), "concat.txt")
	if err := os.WriteFile(list, []byte(concatList(inputs)), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(list)

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", list,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", output,
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", c.binary, err, tail(stderr.String(), 512))
	}
	if info, err := os.Stat(output); err != nil || info.Size() == 0 {
		return fmt.Errorf("%s produced no output", c.binary)
	}
	return nil
}

// concatList renders the concat demuxer script for inputs, in order.
func concatList(inputs []string) string {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func validatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return ErrInvalidPath
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
