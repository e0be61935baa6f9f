package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"

	"github.com/pterodactyl/crtime/config"
	"github.com/pterodactyl/crtime/crtime"
	"github.com/pterodactyl/crtime/internal/device"
	"github.com/pterodactyl/crtime/internal/extfs"
	"github.com/pterodactyl/crtime/loggers/cli"
	"github.com/pterodactyl/crtime/system"
)

type rootArgs struct {
	configPath  string
	debug       bool
	showVersion bool
	inode       bool
	format      string
}

// runner holds everything a single invocation writes to, so that tests can
// swap the outputs and the lookup pipeline.
type runner struct {
	stdout   io.Writer
	stderr   io.Writer
	lstat    func(name string) (os.FileInfo, error)
	pipeline func(c *config.Configuration) *crtime.Pipeline
	args     rootArgs
	code     int
}

func newRunner(stdout, stderr io.Writer) *runner {
	return &runner{
		stdout:   stdout,
		stderr:   stderr,
		lstat:    os.Lstat,
		pipeline: newPipeline,
	}
}

func newRootCommand(r *runner) *cobra.Command {
	command := &cobra.Command{
		Use:   "crtime [flags] <file> | <filesystem> <file> | <filesystem> <inode>",
		Short: "Print the creation time of a file on an ext2/3/4 filesystem",
		Long: `Reads the on-disk inode of a file and prints its creation time as seconds
since the Unix epoch. When no filesystem is given the device holding the file
is looked up with df. A number passed as the second argument is treated as an
inode when no file of that name exists, or always when --inode is passed.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if r.args.showVersion {
				return nil
			}
			return cobra.RangeArgs(1, 2)(cmd, args)
		},
		Run: r.run,
		// Failed runs print nothing on stdout. Cobra still reports the error
		// itself on stderr.
		SilenceUsage: true,
	}
	command.SetOut(r.stdout)
	command.SetErr(r.stderr)

	command.Flags().StringVar(&r.args.configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	command.Flags().BoolVar(&r.args.debug, "debug", false, "log every stage of the lookup")
	command.Flags().BoolVar(&r.args.showVersion, "version", false, "show the version and exit")
	command.Flags().BoolVar(&r.args.inode, "inode", false, "treat the second argument as an inode number")
	command.Flags().StringVar(&r.args.format, "format", "", "output format: decimal, rfc3339 or json")
	return command
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	r := newRunner(os.Stdout, os.Stderr)
	if err := newRootCommand(r).Execute(); err != nil {
		return crtime.ExitInvalidArguments
	}
	return r.code
}

func (r *runner) run(cmd *cobra.Command, args []string) {
	if r.args.showVersion {
		fmt.Fprintln(r.stdout, system.Version)
		return
	}

	// Until the configuration is read log through a bare handler so that load
	// errors still reach stderr.
	log.SetHandler(cli.New(r.stderr, true))
	log.SetLevel(log.WarnLevel)

	c, err := r.readConfiguration(cmd)
	if err != nil {
		log.WithField("path", r.args.configPath).WithField("error", err).Error("failed to load configuration")
		r.code = crtime.ExitConfiguration
		return
	}

	closer, err := configureLogging(r.stderr, c)
	if err != nil {
		log.WithField("path", c.LogFile).WithField("error", err).Error("failed to configure logging")
		r.code = crtime.ExitConfiguration
		return
	}
	defer closer()

	if p := c.GetPath(); p != "" {
		log.WithField("path", p).Debug("loaded configuration from path")
	}

	req, err := buildRequest(args, r.args.inode, r.lstat)
	if err != nil {
		log.WithField("error", err).Error("invalid arguments")
		r.code = crtime.ExitCode(err)
		return
	}

	res, err := r.pipeline(c).Run(cmd.Context(), req)
	if err != nil {
		log.WithField("error", err).Error("failed to read creation time")
		r.code = crtime.ExitCode(err)
		return
	}
	if !res.Available {
		log.WithFields(log.Fields{"device": res.Device, "inode": res.Ino}).Error("creation time unavailable: " + res.Reason())
		r.code = crtime.ExitCrtimeUnavailable
		return
	}

	if err := writeResult(r.stdout, c.Format, res); err != nil {
		log.WithField("error", err).Error("failed to write result")
		r.code = crtime.ExitUnknown
	}
}

// Reads the configuration file and applies the command line overrides on top
// of it. A relative path is resolved against the working directory.
func (r *runner) readConfiguration(cmd *cobra.Command) (*config.Configuration, error) {
	p := r.args.configPath
	if !filepath.IsAbs(p) {
		d, err := os.Getwd()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		p = filepath.Join(d, p)
	}

	c, err := config.Load(p)
	if err != nil {
		return nil, err
	}
	if r.args.debug {
		c.Debug = true
	}
	if cmd.Flags().Changed("format") {
		c.Format = r.args.format
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func newPipeline(c *config.Configuration) *crtime.Pipeline {
	return crtime.New(
		crtime.WithResolver(device.New(device.WithCommand(c.DeviceResolver.Command, c.DeviceResolver.Args...))),
		crtime.WithAllocator(extfs.NewLimitAllocator(c.MaxInodeSize)),
	)
}

// Configures the global logger. Diagnostics always go to w; when a log file is
// configured every entry is also written there with timestamps and stack
// traces attached.
func configureLogging(w io.Writer, c *config.Configuration) (func(), error) {
	h := cli.New(w, true)
	h.Stacktraces = c.Debug

	var handler log.Handler = h
	closer := func() {}
	if c.LogFile != "" {
		f, err := logrotate.NewFile(c.LogFile)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to open process log file")
		}
		fh := cli.New(f.File, false)
		fh.Timestamps = true
		fh.Stacktraces = true
		handler = multi.New(h, fh)
		closer = func() {
			_ = f.Close()
		}
	}

	if c.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}
	log.SetHandler(handler)

	return closer, nil
}
