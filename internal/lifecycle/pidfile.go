// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lifecycle manages the PID file of a long running 'rendezvous
// serve', so that other commands such as diagnose can find the process.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrPIDFileLocked is returned when another live process holds the PID file.
	ErrPIDFileLocked = errors.New("lifecycle: PID file is locked by another process")

	// ErrInvalidPID is returned when the PID file does not hold a positive integer.
	ErrInvalidPID = errors.New("lifecycle: invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file directory is world-writable.
	ErrUnsafeDirectory = errors.New("lifecycle: PID file directory is world-writable")
)

// PIDFile is an flock-held file containing the PID of the running server.
// A stale file left by a crashed process is taken over, because its lock
// died with it.
type PIDFile struct {
	path string
	file *os.File
}

// NewPIDFile returns a PID file at path. Nothing is written until Acquire.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire locks the file and writes pid to it. The lock is held until
// Release.
func (p *PIDFile) Acquire(pid int) error {
	dir := filepath.Dir(p.path)
	if info, err := os.Stat(dir); err == nil && info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, info.Mode().Perm())
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|syscall.O_NOFOLLOW, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open PID file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrPIDFileLocked
		}
		return fmt.Errorf("failed to lock PID file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		p.unlock(f)
		return fmt.Errorf("failed to truncate PID file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		p.unlock(f)
		return fmt.Errorf("failed to write PID: %w", err)
	}
	if err := f.Sync(); err != nil {
		p.unlock(f)
		return fmt.Errorf("failed to sync PID file: %w", err)
	}

	p.file = f
	return nil
}

// Release removes the file and drops the lock. It is safe to call more
// than once.
func (p *PIDFile) Release() error {
	if p.file == nil {
		return nil
	}
	err := os.Remove(p.path)
	p.unlock(p.file)
	p.file = nil
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func (p *PIDFile) unlock(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// ReadPID returns the PID stored at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, text)
	}
	return pid, nil
}
