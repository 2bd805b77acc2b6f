//go:build linux

package osinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// linuxWorker reads /proc.
type linuxWorker struct {
	proc string
}

func newWorker() worker {
	return &linuxWorker{proc: "/proc"}
}

func (w *linuxWorker) Name() string { return "Linux" }

func (w *linuxWorker) Release() (string, error) {
	data, err := os.ReadFile(w.proc + "/sys/kernel/osrelease")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (w *linuxWorker) Uptime() (time.Duration, error) {
	data, err := os.ReadFile(w.proc + "/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty %s/uptime", w.proc)
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse uptime: %w", err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
