// Package config loads wsgated's on-disk configuration and exposes it
// as CLI flags. Grounded on balookrd-outline-cli-ws's
// internal/config/parser.go for the YAML shape (gopkg.in/yaml.v3,
// `yaml:"..."` tags) and on tzrikka-timpani's cmd/timpani/main.go for
// locating and creating the file via github.com/tzrikka/xdg and
// wiring it through github.com/urfave/cli-altsrc/v3 so every setting
// is also overridable by flag or environment variable.
package config

import (
	"fmt"
	"os"

	altsrc "github.com/urfave/cli-altsrc/v3"
	altyaml "github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"github.com/tzrikka/xdg"
	"gopkg.in/yaml.v3"
)

const (
	dirName  = "wsgated"
	fileName = "config.yaml"
)

// Config is wsgated's full set of tunables, per spec.md's
// enumerated configuration.
type Config struct {
	ListenAddress        string  `yaml:"listen_address"`
	TLSCertFile          string  `yaml:"tls_cert_file"`
	TLSKeyFile           string  `yaml:"tls_key_file"`
	ClientTimeoutSeconds float64 `yaml:"client_timeout_seconds"`
	ReceiveChunkSize     int     `yaml:"receive_chunk_size"`
	RingBufferCapacity   int     `yaml:"ring_buffer_capacity"`
}

// Defaults returns the configuration used when a setting is absent from
// both the file and the environment.
func Defaults() Config {
	return Config{
		ListenAddress:        ":8080",
		ClientTimeoutSeconds: 60,
		ReceiveChunkSize:     1024,
		RingBufferCapacity:   12 * 1024,
	}
}

// FilePath returns the XDG-standard path to wsgated's config file,
// creating an empty one if it doesn't already exist.
func FilePath() (altsrc.StringSourcer, error) {
	path, err := xdg.CreateFile(xdg.ConfigHome, dirName, fileName)
	if err != nil {
		return "", fmt.Errorf("locating config file: %w", err)
	}
	return altsrc.StringSourcer(path), nil
}

// LoadFile reads and parses the YAML file at path over top of Defaults.
// A missing or empty file is not an error — flags and environment
// variables (wired in Flags) remain the caller's other two sources.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Flags builds the CLI flags that back every Config field, each
// resolvable from, in order of precedence: an explicit command-line
// flag, an environment variable, then the YAML file at path.
func Flags(path altsrc.StringSourcer) []cli.Flag {
	d := Defaults()
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-address",
			Usage: "address the WebSocket server listens on",
			Value: d.ListenAddress,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSGATED_LISTEN_ADDRESS"),
				altyaml.YAML("listen_address", path),
			),
		},
		&cli.StringFlag{
			Name:  "tls-cert-file",
			Usage: "TLS certificate chain file; enables wss:// when set with tls-key-file",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSGATED_TLS_CERT_FILE"),
				altyaml.YAML("tls_cert_file", path),
			),
		},
		&cli.StringFlag{
			Name:  "tls-key-file",
			Usage: "TLS private key file",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSGATED_TLS_KEY_FILE"),
				altyaml.YAML("tls_key_file", path),
			),
		},
		&cli.FloatFlag{
			Name:  "client-timeout-seconds",
			Usage: "idle seconds before a 1008 close; a ping is sent at half this (0 disables keepalive)",
			Value: d.ClientTimeoutSeconds,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSGATED_CLIENT_TIMEOUT_SECONDS"),
				altyaml.YAML("client_timeout_seconds", path),
			),
		},
		&cli.IntFlag{
			Name:  "receive-chunk-size",
			Usage: "bytes read per chunk while streaming a frame payload off the wire",
			Value: int64(d.ReceiveChunkSize),
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSGATED_RECEIVE_CHUNK_SIZE"),
				altyaml.YAML("receive_chunk_size", path),
			),
		},
		&cli.IntFlag{
			Name:  "ring-buffer-capacity",
			Usage: "per-message ring buffer capacity in bytes",
			Value: int64(d.RingBufferCapacity),
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSGATED_RING_BUFFER_CAPACITY"),
				altyaml.YAML("ring_buffer_capacity", path),
			),
		},
	}
}

// FromCommand reads the resolved flag values back into a Config, for
// code that wants a single value instead of threading *cli.Command
// through every layer.
func FromCommand(cmd *cli.Command) Config {
	return Config{
		ListenAddress:        cmd.String("listen-address"),
		TLSCertFile:          cmd.String("tls-cert-file"),
		TLSKeyFile:           cmd.String("tls-key-file"),
		ClientTimeoutSeconds: cmd.Float("client-timeout-seconds"),
		ReceiveChunkSize:     int(cmd.Int("receive-chunk-size")),
		RingBufferCapacity:   int(cmd.Int("ring-buffer-capacity")),
	}
}
