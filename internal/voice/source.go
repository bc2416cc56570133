// Package voice captures microphone audio and talks to the backend's
// two voice surfaces: the streaming transcription channel and the
// record-then-upload voice channel.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrNoSession is returned when capture is requested before a
	// session has been resolved.
	ErrNoSession = errors.New("no active session")

	// ErrNoAudio is returned when capture stops without any recorded
	// frames. It is a report, not a failure: nothing is sent.
	ErrNoAudio = errors.New("no audio captured")

	// ErrBusy is returned when capture is already in progress.
	ErrBusy = errors.New("capture already in progress")
)

// Source yields fixed-size raw 16-bit little-endian mono PCM frames.
// ReadFrame fails once the device is closed, with io.EOF on a clean
// end of stream; Close may be called more than once.
type Source interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// SourceFactory acquires a capture device on demand, so the
// microphone is only opened while a recording is in progress.
type SourceFactory func(ctx context.Context) (Source, error)

// CommandSource runs an external capture process and reads frames off
// its stdout. With an empty command it falls back to arecord with the
// given sample rate; a non-empty command is split on whitespace and
// run as-is, and must emit s16le mono PCM on stdout.
func CommandSource(command string, sampleRate, frameSize int) SourceFactory {
	return func(ctx context.Context) (Source, error) {
		argv := strings.Fields(command)
		if len(argv) == 0 {
			argv = []string{
				"arecord", "-q",
				"-t", "raw",
				"-f", "S16_LE",
				"-c", "1",
				"-r", strconv.Itoa(sampleRate),
			}
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("capture pipe failed: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("capture process %q failed to start: %w", argv[0], err)
		}

		return &processSource{cmd: cmd, out: stdout, frameSize: frameSize}, nil
	}
}

type processSource struct {
	cmd       *exec.Cmd
	out       io.ReadCloser
	frameSize int
	closeOnce sync.Once
}

func (p *processSource) ReadFrame() ([]byte, error) {
	frame := make([]byte, p.frameSize)
	n, err := io.ReadFull(p.out, frame)
	if n > 0 {
		return frame[:n], nil
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return nil, io.EOF
}

func (p *processSource) Close() error {
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.out.Close()
		_ = p.cmd.Wait()
	})
	return nil
}
