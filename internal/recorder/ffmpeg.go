package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Process is a running recording process.
type Process interface {
	Pid() int
	// Terminate asks the process to finish its output and exit.
	Terminate() error
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed. It is -1 when the process was
	// ended by a signal.
	ExitCode() int
}

// LaunchSpec describes one recording to start.
type LaunchSpec struct {
	StreamID   string
	SourceURL  string
	OutputPath string
	// Output receives the process's diagnostic output line by line. It may be nil.
	Output func(line string)
}

// Launcher starts recording processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// FFmpegLauncher records streams by remuxing them with ffmpeg.
type FFmpegLauncher struct {
	ffmpegPath string
	extraArgs  []string
}

// NewFFmpegLauncher creates a launcher. An empty path uses ffmpeg from PATH.
func NewFFmpegLauncher(ffmpegPath string, extraArgs []string) *FFmpegLauncher {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegLauncher{ffmpegPath: ffmpegPath, extraArgs: extraArgs}
}

// CheckAvailable checks if FFmpeg is installed and available
func (f *FFmpegLauncher) CheckAvailable() error {
	output, err := exec.Command(f.ffmpegPath, "-version").Output()
	if err != nil {
		return fmt.Errorf("ffmpeg not found at %s: %w", f.ffmpegPath, err)
	}
	if !strings.Contains(string(output), "ffmpeg version") {
		return fmt.Errorf("ffmpeg not properly installed")
	}
	return nil
}

// Version returns the first line of ffmpeg -version.
func (f *FFmpegLauncher) Version() (string, error) {
	output, err := exec.Command(f.ffmpegPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg test failed: %w", err)
	}
	first, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(first), nil
}

// Args builds the ffmpeg command line for spec. The output is fragmented MP4
// so a file cut short by a crash stays playable.
func (f *FFmpegLauncher) Args(spec LaunchSpec) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	if strings.HasPrefix(spec.SourceURL, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-i", spec.SourceURL,
		"-c", "copy",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov",
	)
	args = append(args, f.extraArgs...)
	return append(args, spec.OutputPath)
}

func (f *FFmpegLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(f.ffmpegPath, f.Args(spec)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{}), exitCode: -1}
	go p.wait(stderr, spec.Output)
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

// wait drains stderr before reaping the process, as exec.Cmd.Wait requires.
func (p *execProcess) wait(stderr io.Reader, output func(string)) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if output != nil {
			output(scanner.Text())
		}
	}
	_ = p.cmd.Wait()

	p.mu.Lock()
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProcess) signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %v to pid %d: %w", sig, p.Pid(), err)
	}
	return nil
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}
