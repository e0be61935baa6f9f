package config

import (
	"os"

	"emperror.dev/errors"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// DefaultLocation is read when no configuration path is passed on the command
// line. It is fine for no file to exist there.
const DefaultLocation = "/etc/crtime/config.yml"

// Output formats understood by the command.
const (
	FormatDecimal = "decimal"
	FormatRFC3339 = "rfc3339"
	FormatJSON    = "json"
)

var ErrInvalidFormat = errors.Sentinel("config: unknown output format")

type Configuration struct {
	// The location from which this configuration instance was instantiated.
	path string

	// Determines if the command should log each stage of the lookup. This value
	// is ignored if the debug flag is passed through the command line arguments.
	Debug bool `yaml:"debug"`

	// If set, log entries are also appended to this file.
	LogFile string `yaml:"log_file"`

	// The format used when printing a creation time: decimal, rfc3339 or json.
	Format string `default:"decimal" yaml:"format"`

	// The largest inode record, in bytes, that will be allocated. Filesystems
	// configured with a larger inode size are refused.
	MaxInodeSize int `default:"65536" yaml:"max_inode_size"`

	DeviceResolver DeviceResolverConfiguration `yaml:"device_resolver"`
}

// DeviceResolverConfiguration defines the external command used to find the
// device backing a file when no device is passed on the command line. The
// command must print a single header line followed by the device name.
type DeviceResolverConfiguration struct {
	// The command to execute.
	Command string `default:"/bin/df" yaml:"command"`

	// Arguments placed before the file path.
	Args []string `default:"[\"--output=source\"]" yaml:"args"`
}

// NewAtPath returns a configuration with every default applied.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	// Configures the default values for many of the configuration options present
	// in the structs. Values set in the configuration file will overwrite them.
	if err := defaults.Set(&c); err != nil {
		return nil, errors.WithStack(err)
	}
	c.path = path
	return &c, nil
}

// FromFile reads the configuration from the provided file. Environment
// variables in the file are expanded before it is parsed.
func FromFile(path string) (*Configuration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c, err := NewAtPath(path)
	if err != nil {
		return nil, err
	}
	// Replace environment variables within the configuration file with their
	// values from the host system.
	b = []byte(os.ExpandEnv(string(b)))
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "config: failed to parse configuration file")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the configuration at path. A missing file is only an error when
// the path is not the default location, in which case the defaults are used.
func Load(path string) (*Configuration, error) {
	return load(path, DefaultLocation)
}

func load(path, fallback string) (*Configuration, error) {
	c, err := FromFile(path)
	if err != nil {
		if path == fallback && errors.Is(err, os.ErrNotExist) {
			return NewAtPath("")
		}
		return nil, err
	}
	return c, nil
}

// GetPath returns the location of the configuration file, or an empty string
// if the defaults are in use.
func (c *Configuration) GetPath() string {
	return c.path
}

// Validate checks the values that cannot be checked by the YAML decoder.
func (c *Configuration) Validate() error {
	switch c.Format {
	case FormatDecimal, FormatRFC3339, FormatJSON:
	default:
		return errors.Wrapf(ErrInvalidFormat, "%q", c.Format)
	}
	if c.DeviceResolver.Command == "" {
		return errors.New("config: device_resolver.command cannot be empty")
	}
	if c.MaxInodeSize < 128 {
		return errors.Errorf("config: max_inode_size must be at least 128, got %d", c.MaxInodeSize)
	}
	return nil
}
