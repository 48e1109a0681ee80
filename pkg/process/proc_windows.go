//go:build windows

package process

import (
	stderrors "errors"
	"os"
	"syscall"
)

func newSysProcAttr() *syscall.SysProcAttr {
	return nil
}

// Windows has no SIGTERM for arbitrary console processes; both kinds terminate
func signalProcess(p *os.Process, kind SignalKind) error {
	return p.Kill()
}

func isProcessGone(err error) bool {
	return stderrors.Is(err, os.ErrProcessDone)
}

func isExecutable(info os.FileInfo) bool {
	return info.Mode().IsRegular()
}

func exitStatusFromState(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	return ExitStatus{Code: state.ExitCode()}
}
