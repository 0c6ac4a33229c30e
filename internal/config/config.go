package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Environment variables.
const (
	EnvConfigPath   = "ORBITDEPLOY_CONFIG"
	EnvRootPassword = "ORBITDEPLOY_ROOT_PASSWORD"
)

// Deployment modes.
const (
	ModeNone           = "none"
	ModeSignedPackage  = "signed-package"
	ModeBareExecutable = "bare-executable"
)

// DefaultGrpcPort is the port OrbitService listens on.
const DefaultGrpcPort = 44765

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Connection ConnectionConfig `toml:"connection" yaml:"connection"`
	Deployment DeploymentConfig `toml:"deployment" yaml:"deployment"`
	Log        LogConfig        `toml:"log" yaml:"log"`
}

type ConnectionConfig struct {
	Host         string `toml:"host" yaml:"host"`
	Port         int    `toml:"port" yaml:"port"`
	User         string `toml:"user" yaml:"user"`
	KnownHosts   string `toml:"known_hosts" yaml:"known_hosts"`
	IdentityFile string `toml:"identity_file" yaml:"identity_file"`
	GrpcPort     int    `toml:"grpc_port" yaml:"grpc_port"`
}

type DeploymentConfig struct {
	Mode                            string `toml:"mode" yaml:"mode"`
	PackagePath                     string `toml:"package_path,omitempty" yaml:"package_path,omitempty"`
	SignaturePath                   string `toml:"signature_path,omitempty" yaml:"signature_path,omitempty"`
	ExecutablePath                  string `toml:"executable_path,omitempty" yaml:"executable_path,omitempty"`
	APILibPath                      string `toml:"api_lib_path,omitempty" yaml:"api_lib_path,omitempty"`
	UserspaceInstrumentationLibPath string `toml:"userspace_instrumentation_lib_path,omitempty" yaml:"userspace_instrumentation_lib_path,omitempty"`
	DevMode                         bool   `toml:"dev_mode" yaml:"dev_mode"`
	AppVersion                      string `toml:"app_version,omitempty" yaml:"app_version,omitempty"`
}

type LogConfig struct {
	Debug bool `toml:"debug" yaml:"debug"`
	JSON  bool `toml:"json" yaml:"json"`
}

// DefaultPath returns $ORBITDEPLOY_CONFIG, or orbitdeploy.toml in the user's
// config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "orbitdeploy.toml"
	}
	return filepath.Join(dir, "orbitdeploy", "orbitdeploy.toml")
}

func defaults() *Config {
	cfg := &Config{
		Connection: ConnectionConfig{
			Port:     22,
			GrpcPort: DefaultGrpcPort,
		},
		Deployment: DeploymentConfig{Mode: ModeNone},
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.Connection.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
		cfg.Connection.IdentityFile = filepath.Join(home, ".ssh", "id_ed25519")
	}
	return cfg
}

// Load reads config from the given path. If the file doesn't exist, it creates
// a documented default config. Files ending in .yaml or .yml are YAML, all
// others TOML.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("no config file found, creating default", "path", path)
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving default config: %w", err)
		}
		return cfg, nil
	}

	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandHome()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values a deployment cannot work without.
func (c *Config) Validate() error {
	var errs []error
	if c.Connection.Port < 1 || c.Connection.Port > 65535 {
		errs = append(errs, fmt.Errorf("connection.port %d out of range", c.Connection.Port))
	}
	if c.Connection.GrpcPort < 1 || c.Connection.GrpcPort > 65535 {
		errs = append(errs, fmt.Errorf("connection.grpc_port %d out of range", c.Connection.GrpcPort))
	}

	d := c.Deployment
	switch d.Mode {
	case ModeNone, "":
	case ModeSignedPackage:
		if d.PackagePath == "" {
			errs = append(errs, errors.New("deployment.package_path is required for signed-package"))
		}
		if d.SignaturePath == "" {
			errs = append(errs, errors.New("deployment.signature_path is required for signed-package"))
		}
	case ModeBareExecutable:
		if d.ExecutablePath == "" {
			errs = append(errs, errors.New("deployment.executable_path is required for bare-executable"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown deployment.mode %q", d.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// RootPassword returns the password for `sudo --stdin`. It is never stored in
// the config file: it comes from $ORBITDEPLOY_ROOT_PASSWORD or is prompted for
// when stdin is a terminal.
func RootPassword() (string, error) {
	if pw, ok := os.LookupEnv(EnvRootPassword); ok {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("root password required: set %s or run interactively", EnvRootPassword)
	}
	fmt.Fprint(os.Stderr, "Root password of the remote instance: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading root password: %w", err)
	}
	return string(pw), nil
}

func (c *Config) expandHome() {
	for _, p := range []*string{
		&c.Connection.KnownHosts,
		&c.Connection.IdentityFile,
		&c.Deployment.PackagePath,
		&c.Deployment.SignaturePath,
		&c.Deployment.ExecutablePath,
		&c.Deployment.APILibPath,
		&c.Deployment.UserspaceInstrumentationLibPath,
	} {
		*p = expandHome(*p)
	}
}

func expandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Save writes the config to disk. TOML files are self-documenting with
// comments; YAML files are plain.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var data []byte
	if isYAML(path) {
		var err error
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	} else {
		data = []byte(c.documentedTOML())
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) documentedTOML() string {
	var b strings.Builder

	b.WriteString("# orbitdeploy configuration\n")
	b.WriteString("# The root password for bare-executable deployments is never stored here.\n")
	fmt.Fprintf(&b, "# Set %s or enter it when prompted.\n\n", EnvRootPassword)

	// [connection]
	b.WriteString("[connection]\n")
	b.WriteString("# Remote instance address\n")
	if c.Connection.Host != "" {
		fmt.Fprintf(&b, "host = %q\n", c.Connection.Host)
	} else {
		b.WriteString("# host = \"10.0.0.12\"\n")
	}
	fmt.Fprintf(&b, "port = %d\n", c.Connection.Port)
	if c.Connection.User != "" {
		fmt.Fprintf(&b, "user = %q\n", c.Connection.User)
	} else {
		b.WriteString("# user = \"orbit\"\n")
	}
	b.WriteString("\n# The host key must already be listed here\n")
	fmt.Fprintf(&b, "known_hosts = %q\n", c.Connection.KnownHosts)
	fmt.Fprintf(&b, "identity_file = %q\n\n", c.Connection.IdentityFile)
	b.WriteString("# Port OrbitService listens on, on the remote loopback interface\n")
	fmt.Fprintf(&b, "grpc_port = %d\n\n", c.Connection.GrpcPort)

	// [deployment]
	d := c.Deployment
	b.WriteString("[deployment]\n")
	b.WriteString("# \"none\": OrbitService is already running, only forward the port\n")
	b.WriteString("# \"signed-package\": upload and install a signed .deb unless this version is installed\n")
	b.WriteString("# \"bare-executable\": upload the service and its libraries to /tmp, run with sudo\n")
	fmt.Fprintf(&b, "mode = %q\n", d.Mode)
	writeOptional(&b, "package_path", d.PackagePath, "/path/to/orbitprofiler.deb")
	writeOptional(&b, "signature_path", d.SignaturePath, "/path/to/orbitprofiler.deb.asc")
	writeOptional(&b, "executable_path", d.ExecutablePath, "/path/to/bin/OrbitService")
	b.WriteString("# Default to ../lib next to the executable\n")
	writeOptional(&b, "api_lib_path", d.APILibPath, "/path/to/lib/liborbit.so")
	writeOptional(&b, "userspace_instrumentation_lib_path", d.UserspaceInstrumentationLibPath, "/path/to/lib/liborbituserspaceinstrumentation.so")
	b.WriteString("# Version the installed package must match (default: this binary's version)\n")
	writeOptional(&b, "app_version", d.AppVersion, "1.2.3")
	fmt.Fprintf(&b, "dev_mode = %v\n\n", d.DevMode)

	// [log]
	b.WriteString("[log]\n")
	fmt.Fprintf(&b, "debug = %v\n", c.Log.Debug)
	fmt.Fprintf(&b, "json = %v\n", c.Log.JSON)
	return b.String()
}

func writeOptional(b *strings.Builder, key, value, example string) {
	if value != "" {
		fmt.Fprintf(b, "%s = %q\n", key, value)
		return
	}
	fmt.Fprintf(b, "# %s = %q\n", key, example)
}
