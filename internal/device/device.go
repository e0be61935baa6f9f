package device

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
)

var (
	ErrNoHeader        = errors.Sentinel("device: no header line in df output")
	ErrNoDevice        = errors.Sentinel("device: no device line in df output")
	ErrMissingNewline  = errors.Sentinel("device: did not find newline in df output")
	ErrUnexpectedLines = errors.Sentinel("device: unexpected extra lines in df output")
	ErrEmptyPath       = errors.Sentinel("device: cannot resolve an empty path")
)

const (
	DefaultCommand = "/bin/df"
)

// DefaultArgs are the arguments passed to DefaultCommand ahead of the path.
var DefaultArgs = []string{"--output=source"}

// Commander is the subset of *exec.Cmd used by the resolver.
type Commander interface {
	Output() ([]byte, error)
	String() string
}

var _ Commander = (*exec.Cmd)(nil)

// CommanderProvider returns a Commander for the given command.
type CommanderProvider func(ctx context.Context, name string, args ...string) Commander

// Resolver returns the device backing the filesystem a path lives on.
type Resolver interface {
	Resolve(ctx context.Context, path string) (string, error)
}

// Df resolves devices by running `df --output=source <path>`.
type Df struct {
	command   string
	args      []string
	commander CommanderProvider
}

var _ Resolver = (*Df)(nil)

type Option func(*Df)

// WithCommand overrides the command and the arguments placed before the path.
func WithCommand(name string, args ...string) Option {
	return func(d *Df) {
		d.command = name
		d.args = args
	}
}

// WithCommander overrides how commands are created, mostly useful in tests.
func WithCommander(c CommanderProvider) Option {
	return func(d *Df) {
		d.commander = c
	}
}

// New returns a Df resolver using /bin/df unless told otherwise.
func New(opts ...Option) *Df {
	d := &Df{
		command: DefaultCommand,
		args:    DefaultArgs,
		commander: func(ctx context.Context, name string, args ...string) Commander {
			return exec.CommandContext(ctx, name, args...)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve runs df against the path and returns the device it reports. The
// path is passed as its own argument, never through a shell.
func (d *Df) Resolve(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", errors.WithStack(ErrEmptyPath)
	}
	args := make([]string, 0, len(d.args)+1)
	args = append(args, d.args...)
	args = append(args, path)

	cmd := d.commander(ctx, d.command, args...)
	log.WithField("command", cmd.String()).Debug("resolving device for path")
	out, err := cmd.Output()
	if err != nil {
		msg := "device: failed to execute " + d.command
		if v, ok := err.(*exec.ExitError); ok {
			if stderr := strings.Trim(string(v.Stderr), ".\n"); stderr != "" {
				msg = msg + ": " + stderr
			}
		}
		return "", errors.Wrap(err, msg)
	}
	dev, err := ParseOutput(out)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"path": path, "device": dev}).Debug("resolved device for path")
	return dev, nil
}

// ParseOutput extracts the device from df output. The output must contain a
// header line, which is discarded, followed by exactly one newline terminated
// line naming the device.
func ParseOutput(b []byte) (string, error) {
	header, rest, ok := bytes.Cut(b, []byte("\n"))
	if !ok || len(bytes.TrimSpace(header)) == 0 {
		return "", errors.WithStack(ErrNoHeader)
	}
	if len(rest) == 0 {
		return "", errors.WithStack(ErrNoDevice)
	}
	line, rest, ok := bytes.Cut(rest, []byte("\n"))
	if !ok {
		return "", errors.WithStack(ErrMissingNewline)
	}
	if len(rest) != 0 {
		return "", errors.WithStack(ErrUnexpectedLines)
	}
	dev := strings.TrimSpace(string(line))
	if dev == "" {
		return "", errors.WithStack(ErrNoDevice)
	}
	return dev, nil
}
