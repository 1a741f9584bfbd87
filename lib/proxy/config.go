// Package proxy implements the SSH gateway server. The server accepts SSH
// connections from tenant users, resolves the VM named in the login username,
// opens a second SSH connection to that VM and bridges the two, recording the
// commands typed in interactive shells along the way.
package proxy

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/volumcloud/sshgate/lib/audit"
	"github.com/volumcloud/sshgate/lib/directory"
	"github.com/volumcloud/sshgate/lib/protocol"
	"github.com/volumcloud/sshgate/lib/target"
)

// Default configuration values.
const (
	// DefaultBindAddress is the address the gateway listens on.
	DefaultBindAddress = "0.0.0.0"

	// DefaultBindPort is the TCP port the gateway listens on.
	DefaultBindPort = 32

	// DefaultServerKeyFile is the path of the gateway's host key. The key is
	// generated on first start if the file does not exist.
	DefaultServerKeyFile = "server_key.pem"

	// DefaultSessionLogDir is the directory session command logs are
	// written to.
	DefaultSessionLogDir = "logs"

	// DefaultMaxConnections is the maximum number of concurrent downstream
	// connections.
	DefaultMaxConnections = 100

	// DefaultSessionRequestTimeout is the maximum time between the downstream
	// handshake completing and the client requesting a shell, exec or
	// subsystem. Connections that idle past it are torn down.
	DefaultSessionRequestTimeout = 30 * time.Second

	// DefaultExitStatusTimeout is the maximum time to wait for the target's
	// exit status after the output stream has drained.
	DefaultExitStatusTimeout = 10 * time.Second

	// DefaultKeepaliveInterval is how often keepalive requests are sent to
	// the downstream client (0 disables them).
	DefaultKeepaliveInterval = 60 * time.Second

	// DefaultDBHost is the MariaDB host the VM directory and audit log
	// live in.
	DefaultDBHost = "127.0.0.1"

	// DefaultDBPort is the standard MariaDB port.
	DefaultDBPort = 3306
)

// Config holds the gateway server configuration.
// All fields have sensible defaults that can be overridden.
type Config struct {
	// BindAddress is the address to listen on (e.g. "0.0.0.0").
	BindAddress string

	// BindPort is the TCP port to listen on.
	BindPort int

	// ServerKeyFile is the path of the PEM-encoded RSA host key. A missing
	// file is created with a fresh key on startup.
	ServerKeyFile string

	// TargetPort is the SSH port dialed on target VMs.
	TargetPort int

	// SessionLogDir is the directory per-session command logs are written to.
	SessionLogDir string

	// UpstreamHostKey overrides the host-key policy used when connecting to
	// target VMs. Nil accepts any key.
	UpstreamHostKey ssh.HostKeyCallback

	// DB holds the MariaDB connection settings.
	DB DBConfig

	// Timeouts holds connection timeout settings.
	Timeouts TimeoutConfig

	// Limits holds connection limits and audit bounds.
	Limits LimitConfig
}

// DBConfig holds the MariaDB connection settings for the VM directory and the
// command audit log.
type DBConfig struct {
	// Host is the database server host.
	Host string

	// Port is the database server port.
	Port int

	// Username authenticates against the database server.
	Username string

	// Password authenticates against the database server.
	Password string

	// Name is the database to use.
	Name string
}

// TimeoutConfig holds timeout settings for connections.
type TimeoutConfig struct {
	// SessionRequest is the maximum time between handshake completion and the
	// client requesting a shell, exec or subsystem.
	SessionRequest time.Duration

	// ShellDial bounds the upstream TCP connect plus SSH handshake for
	// interactive sessions.
	ShellDial time.Duration

	// FileTransferDial bounds the upstream TCP connect plus SSH handshake for
	// exec and subsystem sessions.
	FileTransferDial time.Duration

	// ExitStatus is the maximum time to wait for the target's exit status
	// after its output has drained.
	ExitStatus time.Duration

	// KeepaliveInterval is how often downstream keepalives are sent
	// (0 = disabled).
	KeepaliveInterval time.Duration
}

// LimitConfig holds connection limits and audit bounds.
type LimitConfig struct {
	// MaxConnections is the maximum number of concurrent downstream
	// connections (0 = no limit).
	MaxConnections int

	// MaxCommandLength is the longest command stored in a single audit row.
	// Longer commands are split into consecutive rows.
	MaxCommandLength int

	// ResolverCacheSize is the number of VM directory entries cached in
	// memory (0 disables caching).
	ResolverCacheSize int

	// ResolverCacheTTL is how long a cached directory entry stays valid.
	ResolverCacheTTL time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		BindAddress:   DefaultBindAddress,
		BindPort:      DefaultBindPort,
		ServerKeyFile: DefaultServerKeyFile,
		TargetPort:    protocol.DefaultTargetPort,
		SessionLogDir: DefaultSessionLogDir,
		DB: DBConfig{
			Host: DefaultDBHost,
			Port: DefaultDBPort,
		},
		Timeouts: TimeoutConfig{
			SessionRequest:    DefaultSessionRequestTimeout,
			ShellDial:         target.DefaultShellTimeout,
			FileTransferDial:  target.DefaultFileTransferTimeout,
			ExitStatus:        DefaultExitStatusTimeout,
			KeepaliveInterval: DefaultKeepaliveInterval,
		},
		Limits: LimitConfig{
			MaxConnections:    DefaultMaxConnections,
			MaxCommandLength:  audit.DefaultMaxCommandLength,
			ResolverCacheSize: directory.DefaultCacheSize,
			ResolverCacheTTL:  directory.DefaultCacheTTL,
		},
	}
}

// Validate checks the configuration for errors and returns an error if invalid.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return &ConfigError{Field: "BindAddress", Message: "cannot be empty"}
	}
	if c.BindPort < 1 || c.BindPort > 65535 {
		return &ConfigError{Field: "BindPort", Message: "must be 1-65535"}
	}
	if c.TargetPort < 1 || c.TargetPort > 65535 {
		return &ConfigError{Field: "TargetPort", Message: "must be 1-65535"}
	}
	if c.ServerKeyFile == "" {
		return &ConfigError{Field: "ServerKeyFile", Message: "cannot be empty"}
	}
	if c.SessionLogDir == "" {
		return &ConfigError{Field: "SessionLogDir", Message: "cannot be empty"}
	}
	if c.Timeouts.SessionRequest <= 0 {
		return &ConfigError{Field: "Timeouts.SessionRequest", Message: "must be positive"}
	}
	if c.Timeouts.ShellDial <= 0 {
		return &ConfigError{Field: "Timeouts.ShellDial", Message: "must be positive"}
	}
	if c.Timeouts.FileTransferDial <= 0 {
		return &ConfigError{Field: "Timeouts.FileTransferDial", Message: "must be positive"}
	}
	if c.Timeouts.ExitStatus < 0 {
		return &ConfigError{Field: "Timeouts.ExitStatus", Message: "cannot be negative"}
	}
	if c.Timeouts.KeepaliveInterval < 0 {
		return &ConfigError{Field: "Timeouts.KeepaliveInterval", Message: "cannot be negative"}
	}
	if c.Limits.MaxConnections < 0 {
		return &ConfigError{Field: "Limits.MaxConnections", Message: "cannot be negative"}
	}
	if c.Limits.MaxCommandLength <= 0 {
		return &ConfigError{Field: "Limits.MaxCommandLength", Message: "must be positive"}
	}
	if c.Limits.ResolverCacheSize < 0 {
		return &ConfigError{Field: "Limits.ResolverCacheSize", Message: "cannot be negative"}
	}
	if c.Limits.ResolverCacheTTL < 0 {
		return &ConfigError{Field: "Limits.ResolverCacheTTL", Message: "cannot be negative"}
	}
	return nil
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.BindPort))
}

// WithBindAddress returns a copy of the config with the bind address set.
func (c *Config) WithBindAddress(addr string) *Config {
	newCfg := *c
	newCfg.BindAddress = addr
	return &newCfg
}

// WithBindPort returns a copy of the config with the bind port set.
func (c *Config) WithBindPort(port int) *Config {
	newCfg := *c
	newCfg.BindPort = port
	return &newCfg
}

// WithTargetPort returns a copy of the config with the target SSH port set.
func (c *Config) WithTargetPort(port int) *Config {
	newCfg := *c
	newCfg.TargetPort = port
	return &newCfg
}

// WithServerKeyFile returns a copy of the config with the host key path set.
func (c *Config) WithServerKeyFile(path string) *Config {
	newCfg := *c
	newCfg.ServerKeyFile = path
	return &newCfg
}

// WithSessionLogDir returns a copy of the config with the session log
// directory set.
func (c *Config) WithSessionLogDir(dir string) *Config {
	newCfg := *c
	newCfg.SessionLogDir = dir
	return &newCfg
}

// WithDB returns a copy of the config with the database settings set.
func (c *Config) WithDB(db DBConfig) *Config {
	newCfg := *c
	newCfg.DB = db
	return &newCfg
}

// WithMaxConnections returns a copy of the config with the connection
// limit set.
func (c *Config) WithMaxConnections(n int) *Config {
	newCfg := *c
	newCfg.Limits.MaxConnections = n
	return &newCfg
}

// Validate checks the database settings and returns an error if invalid.
func (c *DBConfig) Validate() error {
	if c.Host == "" {
		return &ConfigError{Field: "DB.Host", Message: "cannot be empty"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &ConfigError{Field: "DB.Port", Message: "must be 1-65535"}
	}
	if c.Username == "" {
		return &ConfigError{Field: "DB.Username", Message: "cannot be empty"}
	}
	if c.Name == "" {
		return &ConfigError{Field: "DB.Name", Message: "cannot be empty"}
	}
	return nil
}

// DSN returns the go-sql-driver/mysql data source name for these settings.
func (c *DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true",
		c.Username, c.Password, net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), c.Name)
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Message
}
