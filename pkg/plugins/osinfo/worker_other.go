//go:build !linux && !darwin && !windows

package osinfo

import (
	"errors"
	"runtime"
	"time"
)

type otherWorker struct{}

func newWorker() worker { return otherWorker{} }

func (otherWorker) Name() string { return runtime.GOOS }

func (otherWorker) Release() (string, error) { return "", errors.New("release not available") }

func (otherWorker) Uptime() (time.Duration, error) { return 0, errors.New("uptime not available") }
