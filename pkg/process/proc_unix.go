//go:build unix

package process

import (
	stderrors "errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Each child leads its own process group so signals reach its descendants too
func newSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalProcess(p *os.Process, kind SignalKind) error {
	sig := unix.SIGTERM
	if kind == SignalForceful {
		sig = unix.SIGKILL
	}

	if err := unix.Kill(-p.Pid, sig); err == nil {
		return nil
	}
	return p.Signal(sig)
}

func isProcessGone(err error) bool {
	return stderrors.Is(err, os.ErrProcessDone) || stderrors.Is(err, unix.ESRCH)
}

func isExecutable(info os.FileInfo) bool {
	return info.Mode().Perm()&0111 != 0
}

func exitStatusFromState(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{
			Code:     -1,
			Signaled: true,
			Signal:   unix.SignalName(ws.Signal()),
		}
	}
	return ExitStatus{Code: state.ExitCode()}
}
