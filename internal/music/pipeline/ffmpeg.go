package pipeline

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkarpov/resonix/internal/music/voice"
	"github.com/mkarpov/resonix/internal/track"
)

// FFmpegOpener is the production StreamOpener: it shells out to ffmpeg and
// reads raw s16le 48 kHz stereo PCM from its stdout. The filter graph is
// applied with -af, so effect changes only require restarting the process.
type FFmpegOpener struct {
	Binary string // defaults to "ffmpeg"
	Log    zerolog.Logger
}

func (o *FFmpegOpener) Open(ctx context.Context, d track.Descriptor, filterGraph string, offset time.Duration) (io.ReadCloser, error) {
	if d.StreamURL == "" {
		return nil, fmt.Errorf("track %s has no stream handle", d.ID)
	}

	binary := o.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	args := []string{
		"-ss", fmt.Sprintf("%.3f", offset.Seconds()),
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", d.StreamURL,
		"-af", filterGraph,
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", voice.SampleRate),
		"-ac", fmt.Sprintf("%d", voice.Channels),
		"-loglevel", "warning",
		"pipe:1",
	}

	cmd := exec.Command(binary, args...)
	reader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("command start error: %w", err)
	}

	o.Log.Debug().
		Str("track_id", d.ID).
		Dur("offset", offset).
		Str("filter_graph", filterGraph).
		Msg("ffmpeg started")

	return &process{cmd: cmd, out: reader}, nil
}

type process struct {
	cmd  *exec.Cmd
	out  io.ReadCloser
	once sync.Once
}

func (p *process) Read(b []byte) (int, error) { return p.out.Read(b) }

func (p *process) Close() error {
	p.once.Do(func() {
		p.out.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}
