//go:build darwin

package osinfo

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// darwinWorker asks sysctl.
type darwinWorker struct{}

func newWorker() worker {
	return &darwinWorker{}
}

func (w *darwinWorker) Name() string { return "Darwin" }

func (w *darwinWorker) Release() (string, error) {
	out, err := exec.Command("sysctl", "-n", "kern.osrelease").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

var bootRE = regexp.MustCompile(`sec = (\d+)`)

func (w *darwinWorker) Uptime() (time.Duration, error) {
	// { sec = 1700000000, usec = 0 } Tue Nov 14 ...
	out, err := exec.Command("sysctl", "-n", "kern.boottime").Output()
	if err != nil {
		return 0, err
	}
	m := bootRE.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("unexpected kern.boottime: %q", out)
	}
	sec, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Since(time.Unix(sec, 0)), nil
}
