package procman

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// WaitSignals blocks until SIGINT/SIGTERM arrives or ctx is done
func WaitSignals(ctx context.Context, logger logging.Logger) {
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	select {
	case receivedSignal := <-sig:
		logger.Infof("Received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Run context done")
	}
}
