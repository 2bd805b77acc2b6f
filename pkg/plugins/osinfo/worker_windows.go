//go:build windows

package osinfo

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// windowsWorker shells out to PowerShell, as the control tooling does.
type windowsWorker struct{}

func newWorker() worker {
	return &windowsWorker{}
}

func (w *windowsWorker) Name() string { return "Windows_NT" }

func (w *windowsWorker) powershell(script string) (string, error) {
	out, err := exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", script).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (w *windowsWorker) Release() (string, error) {
	return w.powershell("[System.Environment]::OSVersion.Version.ToString()")
}

func (w *windowsWorker) Uptime() (time.Duration, error) {
	out, err := w.powershell("[int64]([Environment]::TickCount64 / 1000)")
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse uptime %q: %w", out, err)
	}
	return time.Duration(secs) * time.Second, nil
}
