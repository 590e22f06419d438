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

// Package diagnostics gathers dumps from a process that ran past its
// deadline. It runs an external dump tool once per dump command, then an
// external stack tool, and can add an in-process goroutine dump. Missing
// tools and failing commands are logged and skipped; collection never fails.
package diagnostics

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/pprof"
	"strconv"
	"time"

	rvlog "github.com/tombee/rendezvous/internal/log"
)

// Defaults for Config.
const (
	DefaultDumpTool    = "jcmd"
	DefaultStackTool   = "jstack"
	DefaultToolTimeout = time.Minute
)

// maxLineLength is the longest tool output line that is streamed.
const maxLineLength = 1 << 20

// DefaultDumpCommands are the dump tool commands run in order.
var DefaultDumpCommands = []string{"Dump.system", "Dump.java"}

// Config configures a Collector.
type Config struct {
	// InstallDir is the runtime installation; tools live in its bin directory.
	InstallDir string `yaml:"install_dir"`

	// DumpTool is invoked as "<tool> <pid> <command>" once per DumpCommands entry.
	DumpTool     string   `yaml:"dump_tool"`
	DumpCommands []string `yaml:"dump_commands"`

	// StackTool is invoked as "<tool> <pid>".
	StackTool string `yaml:"stack_tool"`

	// ToolTimeout bounds each tool invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// GoroutineDump adds a dump of every goroutine when the target is the
	// current process.
	GoroutineDump bool `yaml:"goroutine_dump"`
}

func (c Config) withDefaults() Config {
	if c.DumpTool == "" {
		c.DumpTool = DefaultDumpTool
	}
	if c.DumpCommands == nil {
		c.DumpCommands = DefaultDumpCommands
	}
	if c.StackTool == "" {
		c.StackTool = DefaultStackTool
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	return c
}

// Step is one tool invocation.
type Step struct {
	Tool     string        `json:"tool"`
	Path     string        `json:"path,omitempty"`
	Args     []string      `json:"args,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
	Lines    int           `json:"lines"`
	Duration time.Duration `json:"duration"`
}

// Report lists what a collection did.
type Report struct {
	PID        int    `json:"pid"`
	Steps      []Step `json:"steps"`
	Goroutines string `json:"goroutines,omitempty"`
}

// Collector runs the diagnostics tools.
type Collector struct {
	cfg    Config
	logger *slog.Logger
	out    io.Writer
}

// Option configures a Collector.
type Option func(*Collector)

// WithOutput copies every line of tool output to w.
func WithOutput(w io.Writer) Option {
	return func(c *Collector) { c.out = w }
}

// New creates a collector.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = rvlog.Discard()
	}
	c := &Collector{
		cfg:    cfg.withDefaults(),
		logger: rvlog.WithComponent(logger, "diagnostics"),
		out:    io.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindTool looks for name in installDir/bin, then for name.exe.
func FindTool(installDir, name string) (string, bool) {
	bin := filepath.Join(installDir, "bin")
	for _, candidate := range []string{name, name + ".exe"} {
		path := filepath.Join(bin, candidate)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Collect runs the dump tool for every dump command, then the stack tool,
// against pid.
func (c *Collector) Collect(ctx context.Context, pid int) *Report {
	report := &Report{PID: pid}
	pidArg := strconv.Itoa(pid)

	c.logger.Info("running dump tool", slog.String(rvlog.ToolKey, c.cfg.DumpTool), slog.Int("pid", pid))
	if path, ok := c.locate(c.cfg.DumpTool); ok {
		for _, command := range c.cfg.DumpCommands {
			report.Steps = append(report.Steps, c.run(ctx, c.cfg.DumpTool, path, pidArg, command))
		}
	} else {
		report.Steps = append(report.Steps, Step{Tool: c.cfg.DumpTool, Skipped: true})
	}

	c.logger.Info("running stack tool", slog.String(rvlog.ToolKey, c.cfg.StackTool), slog.Int("pid", pid))
	if path, ok := c.locate(c.cfg.StackTool); ok {
		report.Steps = append(report.Steps, c.run(ctx, c.cfg.StackTool, path, pidArg))
	} else {
		report.Steps = append(report.Steps, Step{Tool: c.cfg.StackTool, Skipped: true})
	}

	if c.cfg.GoroutineDump && pid == os.Getpid() {
		report.Goroutines = c.goroutines()
	}
	return report
}

func (c *Collector) locate(tool string) (string, bool) {
	path, ok := FindTool(c.cfg.InstallDir, tool)
	if !ok {
		c.logger.Warn("could not find tool, skipping",
			slog.String(rvlog.ToolKey, tool),
			slog.String("install_dir", c.cfg.InstallDir))
	}
	return path, ok
}

func (c *Collector) run(ctx context.Context, tool, path string, args ...string) (step Step) {
	step = Step{Tool: tool, Path: path, Args: args}
	start := time.Now()
	defer func() { step.Duration = time.Since(start) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ToolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		step.Error = err.Error()
		return step
	}
	cmd.Stderr = cmd.Stdout

	logger := c.logger.With(slog.String(rvlog.ToolKey, tool))
	if err := cmd.Start(); err != nil {
		logger.Warn("tool failed to start", rvlog.Error(err))
		step.Error = err.Error()
		return step
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		line := scanner.Text()
		step.Lines++
		logger.Info(line)
		fmt.Fprintln(c.out, line)
	}
	if err := scanner.Err(); err != nil {
		// Keep draining so the tool can exit instead of blocking on a full pipe.
		logger.Warn("tool output unreadable, discarding the rest", rvlog.Error(err))
		step.Error = "reading output: " + err.Error()
		_, _ = io.Copy(io.Discard, stdout)
	}

	if err := cmd.Wait(); err != nil {
		logger.Warn("tool exited with error", rvlog.Error(err))
		if step.Error != "" {
			step.Error += "; "
		}
		step.Error += err.Error()
	}
	return step
}

func (c *Collector) goroutines() string {
	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 2); err != nil {
		c.logger.Warn("goroutine dump failed", rvlog.Error(err))
		return ""
	}
	_, _ = c.out.Write(buf.Bytes())
	return buf.String()
}
