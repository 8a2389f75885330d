package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metorial/prankhub/internal/logging"
	"github.com/metorial/prankhub/internal/registry"
)

const (
	DefaultTimeout = 30 * time.Second

	// TimeoutExitCode is reported for timed out scripts (128 + SIGKILL).
	TimeoutExitCode = 137

	waitDelay = 2 * time.Second
)

var (
	DefaultSuccessWords = []string{"success", "completed", "done"}
	DefaultErrorWords   = []string{"error", "failed", "exception"}
)

// Scripts is the part of the registry the executor needs.
type Scripts interface {
	Lookup(name string) (registry.Script, bool)
	EnsureDependencies(ctx context.Context, name string) bool
}

type Options struct {
	Timeout      time.Duration
	SuccessWords []string
	ErrorWords   []string
	Python       string
	UV           string
	PowerShell   string
	Shell        string
	HubRoot      string
	AssetsDir    string
	Logger       logrus.FieldLogger
}

type Result struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

type Executor struct {
	scripts    Scripts
	timeout    time.Duration
	classifier Classifier
	python     string
	uv         string
	powershell string
	shell      string
	hubRoot    string
	assetsDir  string
	log        *logrus.Entry
}

func New(scripts Scripts, opts Options) *Executor {
	e := &Executor{
		scripts: scripts,
		timeout: opts.Timeout,
		classifier: Classifier{
			SuccessWords: opts.SuccessWords,
			ErrorWords:   opts.ErrorWords,
		},
		python:     opts.Python,
		uv:         opts.UV,
		powershell: opts.PowerShell,
		shell:      opts.Shell,
		hubRoot:    opts.HubRoot,
		assetsDir:  opts.AssetsDir,
		log:        logging.Component(opts.Logger, "executor"),
	}

	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.classifier.SuccessWords == nil {
		e.classifier.SuccessWords = DefaultSuccessWords
	}
	if e.classifier.ErrorWords == nil {
		e.classifier.ErrorWords = DefaultErrorWords
	}
	if e.python == "" {
		e.python = "python3"
	}
	if e.uv == "" {
		e.uv = "uv"
	}
	if e.powershell == "" {
		e.powershell = "powershell"
	}
	if e.shell == "" {
		e.shell = "/bin/sh"
	}

	return e
}

// Execute runs the named script to completion or until its timeout expires.
// Failures of any kind are reported in the Result, never as an error.
// Cancelling ctx kills the child as well.
func (e *Executor) Execute(ctx context.Context, name, requester string) Result {
	start := time.Now()
	log := e.log.WithFields(logrus.Fields{"script": name, "user_id": requester})

	script, ok := e.scripts.Lookup(name)
	if !ok {
		log.Warn("Script not found")
		return Result{
			Error:    fmt.Sprintf("Script '%s' not found", name),
			ExitCode: -1,
		}
	}

	timeout := e.timeout
	if script.Timeout > 0 {
		timeout = script.Timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !script.DependenciesReady {
		log.Warn("Dependencies not ready, retrying install")
		if !e.awaitDependencies(runCtx, name) {
			log.Warn("Dependencies still not ready, running anyway")
		}
	}

	argv := e.command(script)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = script.Dir
	cmd.Env = append(os.Environ(),
		"SCRIPT_DIR="+script.Dir,
		"HUB_ROOT="+e.hubRoot,
		"ASSETS_DIR="+e.assetsDir,
		"PRANKHUB_USER_ID="+requester,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	log.Debugf("Running %s", strings.Join(argv, " "))

	err := cmd.Run()
	result := Result{
		DurationMS: time.Since(start).Milliseconds(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Output:     strings.TrimSpace(stdout.String()),
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.TimedOut = true
		result.ExitCode = TimeoutExitCode
		result.Error = fmt.Sprintf("Script execution timed out (%s limit)", formatLimit(timeout))
		log.Warnf("Timed out after %dms", result.DurationMS)
		return result

	case ctx.Err() != nil:
		result.ExitCode = exitCodeOf(err)
		result.Error = "Script execution cancelled"
		return result

	case errors.As(err, &exitErr):
		result.ExitCode = exitCode(exitErr)

	case err != nil:
		result.ExitCode = -1
		result.Error = fmt.Sprintf("Failed to start script: %v", err)
		log.Errorf("Failed to start: %v", err)
		return result
	}

	result.Success = e.classifier.Success(result.ExitCode, result.Stdout, result.Stderr)
	if !result.Success {
		result.Error = strings.TrimSpace(result.Stderr)
		if result.Error == "" {
			result.Error = fmt.Sprintf("Script exited with code %d", result.ExitCode)
		}
	}

	log.WithFields(logrus.Fields{
		"exit_code":   result.ExitCode,
		"duration_ms": result.DurationMS,
		"success":     result.Success,
	}).Info("Script finished")

	return result
}

// awaitDependencies waits for the script's install until ctx ends. Only the
// wait is bound to ctx; the install runs to its own timeout.
func (e *Executor) awaitDependencies(ctx context.Context, name string) bool {
	done := make(chan bool, 1)
	go func() {
		done <- e.scripts.EnsureDependencies(context.WithoutCancel(ctx), name)
	}()

	select {
	case ready := <-done:
		return ready
	case <-ctx.Done():
		return false
	}
}

func (e *Executor) command(s registry.Script) []string {
	switch s.Ext {
	case "py":
		if s.UsesRunner() {
			return []string{e.uv, "run", s.EntryPath}
		}
		return []string{e.python, s.EntryPath}
	case "ps1":
		return []string{e.powershell, "-ExecutionPolicy", "Bypass", "-File", s.EntryPath}
	case "sh":
		return []string{e.shell, s.EntryPath}
	default:
		return []string{s.EntryPath}
	}
}

func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitCode(exitErr)
	}
	if err != nil {
		return -1
	}
	return 0
}

func formatLimit(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
