package node

import (
	"log"
	"os"
	"syscall"
)

// ProcessResetter restarts the whole node by re-executing the running
// binary. If that fails the process exits and the service manager is
// expected to start it again.
type ProcessResetter struct {
	// Before runs ahead of the restart, e.g. to release the serial port.
	Before func()

	exec func(argv0 string, argv []string, envv []string) error
	exit func(code int)
}

func NewProcessResetter(before func()) *ProcessResetter {
	return &ProcessResetter{Before: before, exec: syscall.Exec, exit: os.Exit}
}

func (r *ProcessResetter) Reset(reason string) {
	log.Printf("[node] device reset: %s", reason)
	if r.Before != nil {
		r.Before()
	}

	path, err := os.Executable()
	if err == nil {
		err = r.exec(path, os.Args, os.Environ())
	}
	log.Printf("[node] ERROR: re-exec failed: %v, exiting", err)
	r.exit(1)
}

// SessionResetter only logs: the delivery machine starts a fresh session
// after every reset, so the process keeps running.
type SessionResetter struct{}

func (SessionResetter) Reset(reason string) {
	log.Printf("[node] delivery session reset: %s", reason)
}
