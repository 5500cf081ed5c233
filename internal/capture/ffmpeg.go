package capture

import (
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const stderrTailSize = 4 << 10

// FFmpegConfig describes how the ffmpeg process grabs the screen and the
// microphone.
type FFmpegConfig struct {
	Path        string
	InputFormat string // x11grab, avfoundation, gdigrab
	VideoInput  string
	AudioFormat string // empty disables audio
	AudioInput  string
	FrameRate   int

	Timeslice   time.Duration
	StopTimeout time.Duration

	// StartupProbe is how long a freshly started process must stay alive
	// before Acquire considers the devices granted.
	StartupProbe time.Duration
}

// FFmpegSource captures the desktop through an ffmpeg child process that
// writes fragmented MP4 to stdout.
type FFmpegSource struct {
	cfg FFmpegConfig
	now func() time.Time
}

func NewFFmpegSource(cfg FFmpegConfig) *FFmpegSource {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 15
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.StartupProbe <= 0 {
		cfg.StartupProbe = 750 * time.Millisecond
	}
	return &FFmpegSource{cfg: cfg, now: time.Now}
}

func (f *FFmpegSource) Name() string { return "ffmpeg" }

func (f *FFmpegSource) Format() Format {
	return Format{ContentType: "video/mp4", Extension: "mp4"}
}

// CheckAvailable checks if ffmpeg is installed and answers -version.
func (f *FFmpegSource) CheckAvailable(ctx context.Context) error {
	_, err := f.Version(ctx)
	return err
}

// Version returns the first line of `ffmpeg -version`.
func (f *FFmpegSource) Version(ctx context.Context) (string, error) {
	output, err := exec.CommandContext(ctx, f.cfg.Path, "-version").Output()
	if err != nil {
		return "", errors.Wrap(ErrDeviceUnavailable, "ffmpeg not found: "+err.Error())
	}
	if !strings.Contains(string(output), "ffmpeg version") {
		return "", errors.Wrap(ErrDeviceUnavailable, "ffmpeg not properly installed")
	}
	line, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(line), nil
}

func (f *FFmpegSource) args() []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostats",
		"-f", f.cfg.InputFormat,
		"-framerate", strconv.Itoa(f.cfg.FrameRate),
		"-i", f.cfg.VideoInput,
	}
	if f.cfg.AudioFormat != "" {
		args = append(args, "-f", f.cfg.AudioFormat, "-i", f.cfg.AudioInput)
	}
	args = append(args,
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
	)
	if f.cfg.AudioFormat != "" {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	}
	return append(args,
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4", "pipe:1",
	)
}

// Acquire starts ffmpeg and waits for the startup probe. A process that dies
// during the probe is classified from its stderr.
func (f *FFmpegSource) Acquire(ctx context.Context) (Stream, error) {
	path, err := exec.LookPath(f.cfg.Path)
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "ffmpeg not found at %q", f.cfg.Path)
	}

	cmd := exec.Command(path, f.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout")
	}
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, err.Error())
	}

	st := &ffmpegStream{
		Chunker: NewChunker(f.cfg.Timeslice, f.now),
		cmd:     cmd,
		stdin:   stdin,
		stderr:  stderr,
		timeout: f.cfg.StopTimeout,
		done:    make(chan struct{}),
	}
	go st.run(stdout)

	probe := time.NewTimer(f.cfg.StartupProbe)
	defer probe.Stop()
	select {
	case <-st.done:
		err := classifyExit(stderr.String())
		log.Warn().Err(err).Str("stderr", stderr.String()).Msg("FFmpeg: exited during startup")
		return nil, err
	case <-ctx.Done():
		st.kill()
		return nil, ctx.Err()
	case <-probe.C:
	}

	log.Info().Int("pid", cmd.Process.Pid).Str("input", f.cfg.VideoInput).Msg("FFmpeg: capture started")
	return st, nil
}

// classifyExit maps an early ffmpeg exit to a capture error.
func classifyExit(stderr string) error {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{"permission denied", "operation not permitted", "not authorized"} {
		if strings.Contains(lower, marker) {
			return errors.Wrap(ErrPermissionDenied, lastLine(stderr))
		}
	}
	if msg := lastLine(stderr); msg != "" {
		return errors.Wrap(ErrDeviceUnavailable, msg)
	}
	return ErrDeviceUnavailable
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

type ffmpegStream struct {
	*Chunker

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *tailBuffer
	timeout time.Duration

	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
}

func (s *ffmpegStream) run(stdout io.Reader) {
	if _, err := io.Copy(s.Chunker, stdout); err != nil {
		log.Debug().Err(err).Msg("FFmpeg: stdout copy ended")
	}
	s.waitErr = s.cmd.Wait()
	s.Chunker.Close()
	close(s.done)
}

func (s *ffmpegStream) Done() <-chan struct{} { return s.done }

func (s *ffmpegStream) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Stop asks ffmpeg to finish the file with "q" and kills it when it does not
// exit within the stop timeout.
func (s *ffmpegStream) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if _, werr := io.WriteString(s.stdin, "q\n"); werr != nil {
			log.Debug().Err(werr).Msg("FFmpeg: could not send quit")
		}
		_ = s.stdin.Close()

		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			log.Warn().Dur("timeout", s.timeout).Msg("FFmpeg: did not exit, killing")
			s.kill()
			<-s.done
			err = errors.New("ffmpeg killed after stop timeout")
		case <-ctx.Done():
			s.kill()
			<-s.done
			err = ctx.Err()
		}
	})
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
