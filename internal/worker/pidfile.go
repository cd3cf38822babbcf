package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// PIDInfo is the worker metadata stored in the pid file.
type PIDInfo struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// WritePIDFile writes info as JSON, creating the directory if needed.
func WritePIDFile(path string, info PIDInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create pid file directory: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pid info: %w", err)
	}
	// Write then rename so a concurrent reader never sees a partial file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile reads the pid file. A missing file is returned unwrapped so
// callers can test it with os.IsNotExist.
func ReadPIDFile(path string) (PIDInfo, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from state directory
	if err != nil {
		return PIDInfo{}, err
	}
	var info PIDInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return PIDInfo{}, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return info, nil
}

// CheckPIDFile reports whether the process named in the pid file is alive.
// A missing file means not running and is not an error.
func CheckPIDFile(path string) (bool, PIDInfo, error) {
	info, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, PIDInfo{}, nil
		}
		return false, PIDInfo{}, err
	}
	return processAlive(info.PID), info, nil
}

// RemovePIDFile removes the pid file if it still names pid. A successor
// worker may already have replaced it, in which case it is left alone.
func RemovePIDFile(path string, pid int) error {
	info, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		// Unreadable: it is not a successor's, drop it.
		info.PID = pid
	}
	if info.PID != pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
