package media

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/teranos/vetta/errors"
	"go.uber.org/zap"
)

// Frame is one extracted still, 0-based in extraction order
type Frame struct {
	Index int
	Data  []byte
}

// FrameExtractor turns a media file into frames.
// The returned directory owns the frames' backing files; the caller removes it.
// dir may be non-empty even when err is non-nil.
type FrameExtractor interface {
	Extract(ctx context.Context, src string, maxFrames int) (frames []Frame, dir string, err error)
}

// FFmpegExtractor extracts frames by running ffmpeg
type FFmpegExtractor struct {
	// Binary is the ffmpeg executable
	Binary string

	// ExtraArgs are inserted before the output pattern (e.g. -vf scale=512:-1)
	ExtraArgs []string

	// TempDir is the parent of per-request frame directories; empty means os.TempDir()
	TempDir string

	logger *zap.SugaredLogger
}

// NewFFmpegExtractor creates an extractor. extraArgs is a shell-quoted string.
func NewFFmpegExtractor(binary, extraArgs, tempDir string, logger *zap.SugaredLogger) (*FFmpegExtractor, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	args, err := shellquote.Split(extraArgs)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid ffmpeg args %q", extraArgs)
	}
	return &FFmpegExtractor{
		Binary:    binary,
		ExtraArgs: args,
		TempDir:   tempDir,
		logger:    logger,
	}, nil
}

// Args returns the ffmpeg argument list for extracting into dir
func (e *FFmpegExtractor) Args(src, dir string, maxFrames int) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", src,
		"-vframes", strconv.Itoa(maxFrames),
	}
	args = append(args, e.ExtraArgs...)
	return append(args, filepath.Join(dir, "frame_%05d.png"))
}

// Extract runs ffmpeg into a fresh temporary directory and reads the frames back
func (e *FFmpegExtractor) Extract(ctx context.Context, src string, maxFrames int) ([]Frame, string, error) {
	dir, err := os.MkdirTemp(e.TempDir, "vetta_frames_")
	if err != nil {
		return nil, "", errors.Mark(errors.Wrap(err, "create frame directory"), errors.ErrExtraction)
	}

	args := e.Args(src, dir, maxFrames)
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		wrapped := errors.Wrapf(errors.ErrExtraction, "%s: %v", e.Binary, err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			wrapped = errors.WithDetail(wrapped, msg)
		}
		return nil, dir, wrapped
	}

	frames, err := readFrames(dir)
	if err != nil {
		return nil, dir, errors.Mark(err, errors.ErrExtraction)
	}
	if e.logger != nil {
		e.logger.Debugw("Extracted frames", "frames", len(frames), "dir", dir)
	}
	return frames, dir, nil
}

// readFrames loads frame_*.png from dir sorted by name
func readFrames(dir string) ([]Frame, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "frame_*.png"))
	if err != nil {
		return nil, errors.Wrap(err, "list frames")
	}
	sort.Strings(paths)

	frames := make([]Frame, 0, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read frame %s", filepath.Base(p))
		}
		frames = append(frames, Frame{Index: i, Data: data})
	}
	return frames, nil
}
