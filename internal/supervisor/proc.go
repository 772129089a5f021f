package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/codedeck/agentd/internal/adapter"
)

// process wraps a running backend. Structured backends run over plain
// pipes with stdin on /dev/null; terminal backends run under a pty,
// which merges stderr into the output stream. Either way the child is
// its own process group so termination reaches its descendants.
type process struct {
	cmd    *exec.Cmd
	pid    int
	output chan []byte
	ptyf   *os.File

	ringMu sync.Mutex
	ring   []string
	ringN  int

	waitOnce   sync.Once
	waitErr    error
	exited     chan struct{}
	stderrDone chan struct{}
}

func startProcess(inv adapter.Invocation, workDir string, stderrRing int) (*process, error) {
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), formatEnv(inv.Env)...)

	p := &process{
		cmd:    cmd,
		output: make(chan []byte, 8),
		ringN:  stderrRing,
		exited: make(chan struct{}),
	}

	if inv.UsePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		p.ptyf = f
		p.pid = cmd.Process.Pid
		go p.readLoop(f)
		return p, nil
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p.pid = cmd.Process.Pid
	p.stderrDone = make(chan struct{})
	go p.readLoop(stdout)
	go p.collectStderr(stderr)
	return p, nil
}

// readLoop drains output into the chunk channel and closes it at EOF.
// A pty read fails with EIO once the child exits; that is EOF here.
func (p *process) readLoop(r io.Reader) {
	defer close(p.output)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

// collectStderr keeps the last ringN stderr lines for failure reports.
func (p *process) collectStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.ringMu.Lock()
		p.ring = append(p.ring, line)
		if len(p.ring) > p.ringN {
			p.ring = p.ring[len(p.ring)-p.ringN:]
		}
		p.ringMu.Unlock()
	}
}

func (p *process) stderrExcerpt() string {
	p.ringMu.Lock()
	defer p.ringMu.Unlock()
	if len(p.ring) == 0 {
		return ""
	}
	return "stderr: " + strings.Join(p.ring, "\n")
}

// terminate signals the process group and escalates to SIGKILL after
// the grace period if the process has not exited.
func (p *process) terminate(grace time.Duration) {
	syscall.Kill(-p.pid, syscall.SIGTERM)
	go func() {
		select {
		case <-p.exited:
		case <-time.After(grace):
			syscall.Kill(-p.pid, syscall.SIGKILL)
		}
	}()
}

// wait reaps the child. Safe to call once the output channel closed.
func (p *process) wait() error {
	p.waitOnce.Do(func() {
		// Drain stderr to EOF first; Wait closes the pipe and would
		// truncate the ring mid-line.
		if p.stderrDone != nil {
			<-p.stderrDone
		}
		p.waitErr = p.cmd.Wait()
		close(p.exited)
		if p.ptyf != nil {
			p.ptyf.Close()
		}
	})
	return p.waitErr
}

func formatEnv(env map[string]string) []string {
	var out []string
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
