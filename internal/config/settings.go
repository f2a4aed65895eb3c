package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings are the daemon's process settings. Environment variables set
// the defaults and command-line flags override them.
type Settings struct {
	ConfigPath  string        `env:"HYDRO_CONFIG"       envDefault:"/etc/hydro-node/node.yaml"`
	Broker      string        `env:"HYDRO_BROKER"       envDefault:"tcp://192.168.1.200:1883"`
	WSBroker    string        `env:"HYDRO_WS_BROKER"    envDefault:"=broker"`
	HTTPAddr    string        `env:"HYDRO_HTTP"         envDefault:":80"`
	Chip        string        `env:"HYDRO_GPIO_CHIP"    envDefault:"gpiochip0"`
	Heartbeat   time.Duration `env:"HYDRO_HEARTBEAT"    envDefault:"15m"`
	LogLevel    string        `env:"HYDRO_LOG_LEVEL"    envDefault:"info"`
	LogFile     string        `env:"HYDRO_LOG_FILE"`
	WatchConfig bool          `env:"HYDRO_WATCH_CONFIG" envDefault:"true"`
	PrintState  bool          `env:"-"`
}

// LoadSettings reads the environment and then parses args with fs.
func LoadSettings(fs *flag.FlagSet, args []string) (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&s.ConfigPath, "config", s.ConfigPath, "Node configuration file")
	fs.StringVar(&s.Broker, "broker", s.Broker, "MQTT broker address")
	fs.StringVar(&s.WSBroker, "ws-broker", s.WSBroker, `MQTT websocket URL for live UI ("=broker" derives from --broker, "off" disables)`)
	fs.StringVar(&s.HTTPAddr, "http", s.HTTPAddr, "HTTP status address (empty to disable)")
	fs.StringVar(&s.Chip, "chip", s.Chip, "GPIO chip")
	fs.DurationVar(&s.Heartbeat, "heartbeat", s.Heartbeat, "Heartbeat interval (0 to disable)")
	fs.StringVar(&s.LogLevel, "log-level", s.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&s.LogFile, "log-file", s.LogFile, "Rotate logs into this file instead of stderr")
	fs.BoolVar(&s.WatchConfig, "watch", s.WatchConfig, "Reload the node configuration when the file changes")
	fs.BoolVar(&s.PrintState, "print-state", false, "Print channel states and exit")

	if err := fs.Parse(args); err != nil {
		return Settings{}, err
	}
	return s, nil
}
