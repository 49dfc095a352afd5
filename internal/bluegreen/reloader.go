package bluegreen

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/mir00r/bluegreen/pkg/logger"
)

// Reloader repoints one proxy configuration surface at target. A Reloader
// must either apply target completely or leave its previous upstream in place.
type Reloader interface {
	Name() string
	Reload(ctx context.Context, target Upstream) error
}

const upstreamTemplate = `# Managed by the bluegreen traffic switch. Manual edits are overwritten on cutover.
# active: {{ .Color }} ({{ .Address }})
upstream {{ .Name }} {
    server {{ .HostPort }};
}
`

// CommandRunner executes the reload command. It returns the combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FileReloader renders an nginx upstream block for the active instance and
// asks the external proxy to reload it, for example with nginx -s reload.
type FileReloader struct {
	path    string
	name    string
	command []string
	timeout time.Duration
	tmpl    *template.Template
	run     CommandRunner
	logger  *logger.Logger
}

// FileReloaderOption configures a FileReloader.
type FileReloaderOption func(*FileReloader)

// WithCommandRunner replaces os/exec, used by tests.
func WithCommandRunner(run CommandRunner) FileReloaderOption {
	return func(r *FileReloader) {
		r.run = run
	}
}

// NewFileReloader writes upstream blocks named name to path. An empty command
// only writes the file.
func NewFileReloader(path, name string, command []string, timeout time.Duration, log *logger.Logger, opts ...FileReloaderOption) *FileReloader {
	r := &FileReloader{
		path:    path,
		name:    name,
		command: command,
		timeout: timeout,
		tmpl:    template.Must(template.New("upstream").Parse(upstreamTemplate)),
		run:     execRunner,
		logger:  log.WithField("component", "file_reloader").WithField("path", path),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *FileReloader) Name() string {
	return "upstream_file"
}

// Render returns the configuration that Reload would write for target.
func (r *FileReloader) Render(target Upstream) ([]byte, error) {
	hostPort, err := target.HostPort()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = r.tmpl.Execute(&buf, struct {
		Upstream
		Name     string
		HostPort string
	}{target, r.name, hostPort})
	if err != nil {
		return nil, fmt.Errorf("render upstream: %w", err)
	}
	return buf.Bytes(), nil
}

// Reload writes the new file atomically and runs the reload command. When the
// command fails the previous file content is restored.
func (r *FileReloader) Reload(ctx context.Context, target Upstream) error {
	content, err := r.Render(target)
	if err != nil {
		return err
	}

	previous, err := os.ReadFile(r.path)
	hadPrevious := err == nil
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read current upstream file: %w", err)
	}

	if err := writeAtomic(r.path, content); err != nil {
		return err
	}

	if err := r.runCommand(ctx); err != nil {
		if hadPrevious {
			if restoreErr := writeAtomic(r.path, previous); restoreErr != nil {
				r.logger.WithError(restoreErr).Error("Failed to restore previous upstream file")
			}
		} else {
			os.Remove(r.path)
		}
		return err
	}

	r.logger.WithField("color", target.Color).Info("Upstream file reloaded")
	return nil
}

func (r *FileReloader) runCommand(ctx context.Context) error {
	if len(r.command) == 0 {
		return nil
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	output, err := r.run(ctx, r.command[0], r.command[1:]...)
	if err != nil {
		out := strings.TrimSpace(string(output))
		r.logger.WithError(err).WithField("output", out).Error("Reload command failed")
		if out != "" {
			return fmt.Errorf("%s: %w: %s", strings.Join(r.command, " "), err, out)
		}
		return fmt.Errorf("%s: %w", strings.Join(r.command, " "), err)
	}
	return nil
}

// writeAtomic replaces path so readers never observe a partially written file.
func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp upstream file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp upstream file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp upstream file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp upstream file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod temp upstream file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace upstream file: %w", err)
	}
	return nil
}
