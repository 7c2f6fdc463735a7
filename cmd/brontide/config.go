package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fxpool/brontide"
	"github.com/ogier/pflag"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

// fileConfig is the layout of the optional TOML configuration file.
type fileConfig struct {
	KeyFile          string `toml:"key_file"`
	Listen           string `toml:"listen"`
	Proxy            string `toml:"proxy"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	MaxConnections   int    `toml:"max_connections"`
	Count            int    `toml:"count"`
	LogLevel         string `toml:"log_level"`
}

type options struct {
	configFile       string
	keyFile          string
	listen           string
	proxy            string
	handshakeTimeout time.Duration
	maxConns         int
	count            int
	logLevel         string
}

func defaultOptions() options {
	return options{
		keyFile:          "brontide.key",
		listen:           "127.0.0.1:9735",
		handshakeTimeout: 10 * time.Second,
		count:            10,
		logLevel:         "info",
	}
}

// parseOptions reads command line flags and, when --config is given, fills
// every option not set on the command line from the TOML file.
func parseOptions(command string, args []string) (options, []string, error) {
	opts := defaultOptions()

	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: brontide %s [OPTION]...\n", command)
		fmt.Fprintln(os.Stderr, "Long options take their value as --name=value, e.g. --config=brontide.toml.")
		fmt.Fprintln(os.Stderr, "Flags:")
		fs.PrintDefaults()
	}
	fs.StringVarP(&opts.configFile, "config", "c", "", "TOML configuration file")
	fs.StringVarP(&opts.keyFile, "key", "k", opts.keyFile, "node key file, created if missing")
	fs.StringVarP(&opts.listen, "listen", "l", opts.listen, "address to accept connections on")
	fs.StringVar(&opts.proxy, "proxy", opts.proxy, "SOCKS5 proxy for outbound connections, e.g. 127.0.0.1:9050")
	fs.DurationVar(&opts.handshakeTimeout, "handshake-timeout", opts.handshakeTimeout, "abort handshakes that take longer (0 disables)")
	fs.IntVar(&opts.maxConns, "max-connections", opts.maxConns, "maximum inbound connections (0 is unlimited)")
	fs.IntVarP(&opts.count, "count", "n", opts.count, "number of messages to send")
	fs.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	if opts.configFile == "" {
		return opts, fs.Args(), nil
	}

	set := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = true })

	file, err := loadConfigFile(opts.configFile)
	if err != nil {
		return opts, nil, err
	}
	if err := file.apply(&opts, set); err != nil {
		return opts, nil, err
	}
	return opts, fs.Args(), nil
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var file fileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &file, nil
}

func (f *fileConfig) apply(opts *options, set map[string]bool) error {
	if f.KeyFile != "" && !set["key"] {
		opts.keyFile = f.KeyFile
	}
	if f.Listen != "" && !set["listen"] {
		opts.listen = f.Listen
	}
	if f.Proxy != "" && !set["proxy"] {
		opts.proxy = f.Proxy
	}
	if f.HandshakeTimeout != "" && !set["handshake-timeout"] {
		d, err := time.ParseDuration(f.HandshakeTimeout)
		if err != nil {
			return fmt.Errorf("invalid handshake_timeout %q: %w", f.HandshakeTimeout, err)
		}
		opts.handshakeTimeout = d
	}
	if f.MaxConnections != 0 && !set["max-connections"] {
		opts.maxConns = f.MaxConnections
	}
	if f.Count != 0 && !set["count"] {
		opts.count = f.Count
	}
	if f.LogLevel != "" && !set["log-level"] {
		opts.logLevel = f.LogLevel
	}
	return nil
}

func (o options) logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

func (o options) connConfig(logger logrus.FieldLogger) *brontide.Config {
	return &brontide.Config{
		HandshakeTimeout: o.handshakeTimeout,
		Proxy:            o.proxy,
		Logger:           logger,
	}
}
