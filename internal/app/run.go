// ABOUTME: Process plumbing shared by the host and guest binaries
// ABOUTME: Log destination setup and waiting for a quit signal
package app

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// SetupLogging sends logs to path, and also to stdout when there is no TUI
func SetupLogging(path string, useTUI bool) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	if useTUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return f, nil
}

// DefaultName builds a display name from the hostname
func DefaultName(suffix string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s", hostname, suffix)
}

// Wait blocks until the TUI quits or the process is signalled, then stops a
func Wait(a *App) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-a.Quit():
		log.Printf("Received quit signal from TUI")
	case sig := <-sigChan:
		log.Printf("Received %v signal, shutting down", sig)
	}

	a.Stop()
}
