package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config структура конфигурации.
type Config struct {
	Logger   LogConf      // Logger - конфигурация регистратора.
	SACN     SACNConf     // SACN - общие настройки приёмника и передатчика.
	Receiver ReceiverConf // Receiver - приём sACN.
	Sender   SenderConf   // Sender - передача sACN.
	MQTT     MQTTConf     // MQTT - конфигурация MQTT клиента.
	ArtNet   ArtNetConf   // ArtNet - пересылка принятых юниверсов в Art-Net.
	Metrics  MetricsConf  // Metrics - адрес для Prometheus.
}

// LogConf структура конфигурации.
type LogConf struct {
	Level  string `toml:"log-level"`  // Level - уровень логирования.
	Format string `toml:"log-format"` // Format - формат: "text" или "json".
}

// SACNConf holds the identity of this station and the interface to use.
type SACNConf struct {
	CID         string `toml:"cid"`          // CID - UUID источника, случайный если пусто.
	SourceName  string `toml:"source-name"`  // SourceName - имя источника, до 63 байт.
	BindAddress string `toml:"bind-address"` // BindAddress - локальный IP, пусто - все интерфейсы.
	Interface   string `toml:"interface"`    // Interface - интерфейс для multicast.
}

// ReceiverConf configures the receive loop.
type ReceiverConf struct {
	Enabled   bool     `toml:"enabled"`
	Port      int      `toml:"port"`      // Port - локальный UDP порт.
	Universes []uint16 `toml:"universes"` // Universes - группы multicast при старте.
	Loopback  bool     `toml:"loopback"`  // Loopback - принимать свой multicast.
}

// SenderConf configures the send loop and its outputs.
type SenderConf struct {
	Enabled            bool         `toml:"enabled"`
	Port               int          `toml:"port"` // Port - локальный UDP порт, 0 - любой свободный.
	FPS                int          `toml:"fps"`
	KeepAlive          Duration     `toml:"keep-alive"` // KeepAlive - период повтора неизменных данных.
	Discovery          bool         `toml:"discovery"`
	DiscoveryInterval  Duration     `toml:"discovery-interval"`
	DiscoveryMulticast bool         `toml:"discovery-multicast"` // DiscoveryMulticast - 239.255.250.214 вместо broadcast.
	ManualFlush        bool         `toml:"manual-flush"`
	Outputs            []OutputConf `toml:"output"`
}

// OutputConf activates one universe at start.
type OutputConf struct {
	Universe    uint16 `toml:"universe"`
	Priority    *uint8 `toml:"priority"`    // Priority - 0..200, по умолчанию 100.
	Destination string `toml:"destination"` // Destination - адрес unicast host[:port].
	Multicast   bool   `toml:"multicast"`
	Broadcast   bool   `toml:"broadcast"`
	TTL         *int   `toml:"ttl"` // TTL - TTL для multicast, по умолчанию 8.
	Preview     bool   `toml:"preview"`
}

// MQTTConf configures the MQTT bridge.
type MQTTConf struct {
	Enabled     bool   `toml:"enabled"`
	ClientID    string `toml:"clientID"`     // ClientID - имя клиента.
	Host        string `toml:"server"`       // Host - адрес MQTT сервера.
	Port        string `toml:"port"`         // Port - порт MQTT сервера.
	User        string `toml:"user"`         // User - логин для подключения к MQTT серверу.
	Password    string `toml:"password"`     // Password - пароль для подключения к MQTT серверу.
	Qos         byte   `toml:"qos"`          // Qos - качество обслуживания.
	TopicPrefix string `toml:"topic-prefix"` // TopicPrefix - первый уровень топиков.
}

// ArtNetConf configures forwarding to Art-Net nodes.
type ArtNetConf struct {
	Enabled bool   `toml:"enabled"`
	Network string `toml:"network"` // Network - подсеть (CIDR) интерфейса Art-Net.
	MaxFPS  int    `toml:"max-fps"`
}

// MetricsConf configures the Prometheus endpoint.
type MetricsConf struct {
	Listen string `toml:"listen"` // Listen - host:port, пусто - отключено.
}

// Duration is a time.Duration written as "10s" in the file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	return Config{
		Logger: LogConf{Level: "info", Format: "text"},
		SACN:   SACNConf{SourceName: "sacn2mqtt"},
		Receiver: ReceiverConf{
			Enabled: true,
			Port:    5568,
		},
		Sender: SenderConf{
			Enabled:           true,
			FPS:               30,
			KeepAlive:         Duration{time.Second},
			Discovery:         true,
			DiscoveryInterval: Duration{10 * time.Second},
		},
		MQTT: MQTTConf{
			ClientID:    "sacn2mqtt",
			Host:        "localhost",
			Port:        "1883",
			TopicPrefix: "sacn",
		},
		ArtNet: ArtNetConf{
			Network: "192.168.6.0/24",
			MaxFPS:  1,
		},
	}
}

// NewConfig конструктор. Значения из файла поверх значений по умолчанию.
func NewConfig(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return &cfg, err
	}
	return &cfg, cfg.Validate()
}

// Validate checks ranges the sACN modules would otherwise reject at start.
func (c *Config) Validate() error {
	var errs []error
	if c.SACN.CID != "" {
		if _, err := uuid.Parse(c.SACN.CID); err != nil {
			errs = append(errs, fmt.Errorf("sacn.cid: %w", err))
		}
	}
	if len(c.SACN.SourceName) > 63 {
		errs = append(errs, fmt.Errorf("sacn.source-name: %d bytes, max 63", len(c.SACN.SourceName)))
	}
	for _, u := range c.Receiver.Universes {
		if !validUniverse(u) {
			errs = append(errs, fmt.Errorf("receiver.universes: %d not in [1, 63999]", u))
		}
	}
	if c.Sender.FPS < 1 || c.Sender.FPS > 1000 {
		errs = append(errs, fmt.Errorf("sender.fps: %d not in [1, 1000]", c.Sender.FPS))
	}
	if c.Sender.KeepAlive.Duration <= 0 {
		errs = append(errs, errors.New("sender.keep-alive: must be positive"))
	}
	if c.Sender.Discovery && c.Sender.DiscoveryInterval.Duration <= 0 {
		errs = append(errs, errors.New("sender.discovery-interval: must be positive"))
	}
	for i, o := range c.Sender.Outputs {
		if !validUniverse(o.Universe) {
			errs = append(errs, fmt.Errorf("sender.output[%d].universe: %d not in [1, 63999]", i, o.Universe))
		}
		if o.Priority != nil && *o.Priority > 200 {
			errs = append(errs, fmt.Errorf("sender.output[%d].priority: %d above 200", i, *o.Priority))
		}
		if o.TTL != nil && (*o.TTL < 0 || *o.TTL > 255) {
			errs = append(errs, fmt.Errorf("sender.output[%d].ttl: %d not in [0, 255]", i, *o.TTL))
		}
		if o.Multicast && o.Broadcast {
			errs = append(errs, fmt.Errorf("sender.output[%d]: multicast and broadcast are exclusive", i))
		}
	}
	if c.ArtNet.Enabled {
		if _, _, err := net.ParseCIDR(c.ArtNet.Network); err != nil {
			errs = append(errs, fmt.Errorf("artnet.network: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validUniverse(u uint16) bool {
	return u >= 1 && u <= 63999
}
