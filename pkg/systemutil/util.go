package systemutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hpcloud/tail"
	"github.com/sirupsen/logrus"
)

// ErrPollTimeout is returned by Poll when the condition did not become true in time.
var ErrPollTimeout = errors.New("timed out waiting")

// Cmd describes a subprocess whose output is appended to a log file.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Desc    string
	LogPath string
	// OnLine is called for every stdout line, in order.
	OnLine func(line string)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

// Run starts the command and waits for it. Stdout and stderr are appended to
// LogPath when set; stdout is also returned. A non-zero exit is an
// *exec.ExitError wrapped with the tail of stderr.
func (c Cmd) Run(ctx context.Context) (string, error) {
	if c.Name == "" {
		return "", errors.New("no command provided")
	}

	var logWriter io.Writer = io.Discard
	if c.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogPath), 0755); err != nil {
			return "", fmt.Errorf("failed to create log dir: %w", err)
		}
		f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return "", fmt.Errorf("failed to open log: %w", err)
		}
		defer f.Close()
		_, _ = f.WriteString("\n")
		if c.Desc != "" {
			for _, desc := range strings.Split(c.Desc, "\n") {
				_, _ = f.WriteString("##### " + desc + "\n")
			}
		}
		_, _ = f.WriteString("##### RUN " + c.Name + " " + strings.Join(c.Args, " ") + "\n")
		logWriter = f
	}
	log := &syncWriter{w: logWriter}
	stderr := &tailBuffer{max: 4096}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	// kill the whole process group so children holding stdout do not outlive ctx
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Stderr = io.MultiWriter(log, stderr)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		_, _ = log.Write([]byte(line + "\n"))
		if c.OnLine != nil {
			c.OnLine(line)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// keep draining so the process is not blocked on a full pipe
		_, _ = io.Copy(log, stdout)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return out.String(), fmt.Errorf("%s: %w", c.Name, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.buf.String())
		if msg != "" {
			return out.String(), fmt.Errorf("%s failed: %w: %s", c.Name, err, msg)
		}
		return out.String(), fmt.Errorf("%s failed: %w", c.Name, err)
	}
	if scanErr != nil {
		return out.String(), fmt.Errorf("failed to read %s output: %w", c.Name, scanErr)
	}
	return out.String(), nil
}

// ExitCode returns the exit status carried by err, or -1.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// StreamLog follows a log file and prints every line until the file is
// removed or the tail fails.
func StreamLog(path string) error {
	t, err := tail.TailFile(path, tail.Config{Follow: true, ReOpen: true, MustExist: true})
	if err != nil {
		return fmt.Errorf("failed to tail %s: %w", path, err)
	}
	for line := range t.Lines {
		if line.Err != nil {
			return line.Err
		}
		fmt.Println(line.Text)
	}
	return t.Err()
}

// WriteLog appends a message to both stdout and the log file
func WriteLog(logPath string, message string) error {
	fmt.Println(message)
	if len(logPath) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(message + "\n")
	return err
}

// Poll calls check every interval until it returns true, returns an error,
// the timeout passes or ctx is done. check runs once immediately.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Add(interval).Before(deadline) {
			return fmt.Errorf("%w after %d attempts (%s)", ErrPollTimeout, attempt, timeout)
		}
		logrus.WithField("attempt", attempt).Debugf("condition not met, retrying in %s", interval)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
