package local

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// process is one spawn of a workload's entrypoint inside a PTY.
type process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	done     chan struct{}
	mu       sync.Mutex
	exitErr  error
	ptmxOnce sync.Once
}

// spawn starts argv in a new PTY with echo disabled, so the console shows
// only what the process writes.
func spawn(argv []string, env []string) (*process, error) {
	if len(argv) == 0 {
		return nil, errors.New("local: entrypoint must not be empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: 120, Rows: 30})
	if err != nil {
		return nil, err
	}
	if err := disableEcho(ptmx); err != nil {
		_ = cmd.Process.Kill()
		_ = ptmx.Close()
		_ = cmd.Wait()
		return nil, err
	}

	p := &process{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go p.waitExit()
	return p, nil
}

func (p *process) waitExit() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
	p.closePTY()
}

func (p *process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *process) pid() int { return p.cmd.Process.Pid }

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// signal delivers sig to the process group the PTY session leads.
func (p *process) signal(sig unix.Signal) error {
	err := unix.Kill(-p.pid(), sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// terminate sends SIGTERM, then SIGKILL if the process is still alive after
// grace, and waits for it to be reaped.
func (p *process) terminate(grace time.Duration) error {
	if p.exited() {
		return nil
	}
	if err := p.signal(unix.SIGTERM); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := p.signal(unix.SIGKILL); err != nil {
		return err
	}
	<-p.done
	return nil
}

// dupPTY returns an independent descriptor for the PTY master.
func (p *process) dupPTY() (*os.File, error) {
	rc, err := p.ptmx.SyscallConn()
	if err != nil {
		return nil, err
	}
	nfd := -1
	var dupErr error
	if err := rc.Control(func(fd uintptr) {
		nfd, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, dupErr
	}
	return os.NewFile(uintptr(nfd), p.ptmx.Name()), nil
}

func (p *process) closePTY() {
	p.ptmxOnce.Do(func() { _ = p.ptmx.Close() })
}

func disableEcho(f *os.File) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var termErr error
	if err := rc.Control(func(fd uintptr) {
		termios, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
		if err != nil {
			termErr = err
			return
		}
		termios.Lflag &^= unix.ECHO
		termErr = unix.IoctlSetTermios(int(fd), unix.TCSETS, termios)
	}); err != nil {
		return err
	}
	return termErr
}
