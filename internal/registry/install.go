package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metorial/prankhub/internal/logging"
)

const defaultInstallTimeout = 120 * time.Second

// UVInstaller provisions dependencies with the uv package manager.
type UVInstaller struct {
	UV      string
	Timeout time.Duration

	log *logrus.Entry
}

func NewUVInstaller(uv string, timeout time.Duration, logger logrus.FieldLogger) *UVInstaller {
	if uv == "" {
		uv = "uv"
	}
	if timeout <= 0 {
		timeout = defaultInstallTimeout
	}
	return &UVInstaller{
		UV:      uv,
		Timeout: timeout,
		log:     logging.Component(logger, "installer"),
	}
}

func (u *UVInstaller) Install(ctx context.Context, script Script) error {
	ctx, cancel := context.WithTimeout(ctx, u.Timeout)
	defer cancel()

	switch {
	case script.HasPyproject:
		venv := filepath.Join(script.Dir, ".venv")
		if _, err := os.Stat(venv); errors.Is(err, fs.ErrNotExist) {
			if err := u.run(ctx, script.Dir, "venv"); err != nil {
				return fmt.Errorf("create venv: %w", err)
			}
		}
		if err := u.run(ctx, script.Dir, "pip", "install", "-e", "."); err != nil {
			return fmt.Errorf("install project: %w", err)
		}
	case script.HasInlineDeps:
		// uv resolves inline metadata on first run.
		if err := u.run(ctx, script.Dir, "run", script.EntryPath, "--help"); err != nil {
			return fmt.Errorf("resolve inline dependencies: %w", err)
		}
	}

	u.log.WithField("script", script.Name).Info("Dependencies ready")
	return nil
}

func (u *UVInstaller) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, u.UV, args...)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s %s timed out after %s", u.UV, strings.Join(args, " "), u.Timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return fmt.Errorf("%s %s: %w: %s", u.UV, strings.Join(args, " "), err, msg)
	}
	return nil
}
