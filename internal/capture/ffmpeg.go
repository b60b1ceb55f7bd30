package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// FFmpegSource records from the default input device via an ffmpeg child
// process, emitting mono s16le on stdout.
type FFmpegSource struct {
	// Binary overrides the executable name, mostly for tests.
	Binary string
	// Device overrides the platform default input device.
	Device string
}

func (s *FFmpegSource) Open(ctx context.Context, sampleRate int) (io.ReadCloser, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, &CaptureError{Reason: bin + " is required for mic capture", Err: err}
	}

	args, err := s.args(runtime.GOOS, sampleRate)
	if err != nil {
		return nil, &CaptureError{Reason: "unsupported platform", Err: err}
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open %s stdout: %w", bin, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s mic capture: %w", bin, err)
	}
	return &ffmpegStream{cmd: cmd, stdout: stdout, stderr: &stderr, device: s.device()}, nil
}

func (s *FFmpegSource) device() string {
	if s.Device != "" {
		return s.Device
	}
	switch runtime.GOOS {
	case "darwin":
		return ":0"
	default:
		return "default"
	}
}

func (s *FFmpegSource) args(goos string, sampleRate int) ([]string, error) {
	common := []string{
		"-hide_banner", "-loglevel", "error",
	}
	switch goos {
	case "darwin":
		common = append(common, "-f", "avfoundation", "-i", s.device())
	case "linux":
		common = append(common, "-f", "pulse", "-i", s.device())
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	return append(common,
		"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
		"-f", "s16le", "-",
	), nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	device string

	closeOnce sync.Once
	waitErr   error
}

func (f *ffmpegStream) Read(p []byte) (int, error) {
	n, err := f.stdout.Read(p)
	if err != nil {
		// A process that dies without producing audio usually means the
		// device rejected us; surface that distinctly.
		f.reap()
		if f.waitErr != nil && deniedStderr(f.stderr.String()) {
			return n, &PermissionError{Device: f.device, Err: f.waitErr}
		}
	}
	return n, err
}

func (f *ffmpegStream) Close() error {
	f.closeOnce.Do(func() {
		if f.cmd.Process != nil {
			_ = f.cmd.Process.Kill()
		}
		f.waitErr = f.cmd.Wait()
	})
	return nil
}

func (f *ffmpegStream) reap() {
	f.closeOnce.Do(func() {
		f.waitErr = f.cmd.Wait()
	})
}

func deniedStderr(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "permission denied") ||
		strings.Contains(s, "access denied") ||
		strings.Contains(s, "not authorized")
}
