package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tickrelay/pkg/exception"
)

// Launcher starts and stops worker processes.
type Launcher interface {
	// Start launches spec and returns the pid once the start is confirmed.
	Start(ctx context.Context, name string, spec LaunchSpec) (int, error)
	// Stop asks a running worker to exit.
	Stop(pid int) error
}

// ExecLauncher runs workers as child processes. A start is confirmed when
// the child is still running after StartTimeout. Children are reaped in the
// background so an exited worker disappears from the process table.
type ExecLauncher struct {
	StartTimeout time.Duration
}

func (l ExecLauncher) Start(ctx context.Context, name string, spec LaunchSpec) (int, error) {
	if spec.Command == "" {
		return 0, exception.ErrEmptyLaunchSpec
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
		}
	}

	var logFile *os.File
	if spec.LogFile != "" {
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, errors.Wrap(err, "open worker log").With("worker", name)
		}
		logFile = f
		cmd.Stdout, cmd.Stderr = f, f
	} else {
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return 0, errors.Wrap(err, "start worker").With("worker", name)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		logs.Infof("worker %s (pid %d) exited: %v", name, pid, err)
		exited <- err
	}()

	timer := time.NewTimer(l.StartTimeout)
	defer timer.Stop()
	select {
	case err := <-exited:
		return 0, errors.Wrapf(exception.ErrStartTimeout, "worker %s exited during startup: %v", name, err)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return 0, ctx.Err()
	case <-timer.C:
		return pid, nil
	}
}

func (ExecLauncher) Stop(pid int) error {
	if pid <= 0 {
		return exception.ErrProcessNotRunning
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
