package config

import (
	"crypto/rand"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	VERSION        = "0.4.0"
	PEER_ID_PREFIX = "-TO0040-"

	RAREST     = "rarest"
	SEQUENTIAL = "sequential"
)

var (
	DEFAULT_PEER_PORT = 6881
	DEFAULT_NODE_PORT = 6882
	DEFAULT_BOOTSTRAP = []string{"router.bittorrent.com:6881"}
	DEFAULT_MAX_PEERS = 8
)

var getwd = os.Getwd

// Config is built once at startup and handed to every component that
// needs it.
type Config struct {
	Output        string
	Verbose       bool
	PeerPort      int
	NodePort      int
	DHT           bool
	Bootstrap     []string
	MaxPeers      int
	Strategy      string
	UDPMaxTimeout time.Duration

	PeerID [20]byte
	NodeID [20]byte
}

// Flags declares the command line surface. Every flag except version is
// also a configuration key.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.BoolP("version", "V", false, "print the version and exit")
	fs.StringP("output", "o", "", "directory the torrent is downloaded into (default: working directory)")
	fs.BoolP("verbose", "v", false, "log every suppressed connection and request error")
	fs.Int("peer-port", DEFAULT_PEER_PORT, "port accepting peer connections")
	fs.Int("node-port", DEFAULT_NODE_PORT, "UDP port of the DHT node")
	fs.Bool("dht", true, "look for peers in the DHT")
	fs.StringSlice("bootstrap", DEFAULT_BOOTSTRAP, "DHT bootstrap nodes (host:port)")
	fs.Int("max-peers", DEFAULT_MAX_PEERS, "number of simultaneous peer connections")
	fs.String("strategy", RAREST, "piece selection: rarest or sequential")
	fs.Duration("udp-max-timeout", 3840*time.Second, "give up on a UDP tracker once its retry timeout reaches this")
	return fs
}

// Load merges, from lowest to highest precedence, defaults, tori.yaml,
// TORI_* environment variables and the parsed flags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cwd, err := getwd()
	if err != nil {
		return nil, errors.Wrap(err, "working directory")
	}

	v := viper.New()
	v.SetConfigName("tori")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.tori")
	v.SetEnvPrefix("TORI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("output", cwd)

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "binding flags")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	c := &Config{
		Output:        v.GetString("output"),
		Verbose:       v.GetBool("verbose"),
		PeerPort:      v.GetInt("peer-port"),
		NodePort:      v.GetInt("node-port"),
		DHT:           v.GetBool("dht"),
		Bootstrap:     v.GetStringSlice("bootstrap"),
		MaxPeers:      v.GetInt("max-peers"),
		Strategy:      v.GetString("strategy"),
		UDPMaxTimeout: v.GetDuration("udp-max-timeout"),
		PeerID:        GeneratePeerID(),
		NodeID:        GenerateNodeID(),
	}
	if c.Output == "" {
		c.Output = cwd
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Strategy {
	case RAREST, SEQUENTIAL:
	default:
		return errors.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.MaxPeers <= 0 {
		return errors.Errorf("max-peers must be positive, got %d", c.MaxPeers)
	}
	for name, port := range map[string]int{"peer-port": c.PeerPort, "node-port": c.NodePort} {
		if port < 0 || port > 65535 {
			return errors.Errorf("%s %d out of range", name, port)
		}
	}
	return nil
}

func randomBytes(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(errors.Wrap(err, "reading random bytes"))
	}
}

// GeneratePeerID returns the client prefix followed by 12 random bytes.
func GeneratePeerID() [20]byte {
	var id [20]byte
	copy(id[:], PEER_ID_PREFIX)
	randomBytes(id[len(PEER_ID_PREFIX):])
	return id
}

func GenerateNodeID() [20]byte {
	var id [20]byte
	randomBytes(id[:])
	return id
}

// NewLogger writes human readable logs to w, at debug level when verbose.
func NewLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
