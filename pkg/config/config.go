// Package config содержит конфигурацию клиента: учетные данные регистрации,
// параметры SIP транспорта, медиа (ICE), HTTP моста, истории вызовов и логирования.
//
// Загрузка выполняется через viper: значения по умолчанию, затем yaml файл,
// затем переменные окружения с префиксом RTCALL_ (например RTCALL_CREDENTIALS_USER).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "RTCALL"

// ICEServer описание STUN/TURN сервера
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// SIPConfig параметры локального SIP агента
type SIPConfig struct {
	// ListenHost - адрес для прослушивания входящих запросов
	ListenHost string `mapstructure:"listen_host"`
	// ListenPort - порт для прослушивания (0 = порт транспорта по умолчанию)
	ListenPort int `mapstructure:"listen_port"`
	// Hostname - имя хоста для Via/Contact
	Hostname string `mapstructure:"hostname"`
	// RequestTimeout - таймаут неблокирующих запросов (BYE, OPTIONS, INFO)
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RegisterExpires - время жизни регистрации
	RegisterExpires time.Duration `mapstructure:"register_expires"`
}

// MediaConfig параметры медиа движка
type MediaConfig struct {
	ICEServers []ICEServer `mapstructure:"ice_servers"`
	// Trickle - разрешить trickle ICE, если удалённая сторона его поддерживает
	Trickle bool `mapstructure:"trickle"`
	// Audio/Video - локальные ограничения по умолчанию
	Audio bool `mapstructure:"audio"`
	Video bool `mapstructure:"video"`
	// ICE таймауты (disconnected, failed, keepalive)
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

// APIConfig параметры HTTP/WebSocket моста
type APIConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// HistoryConfig параметры хранилища истории вызовов
type HistoryConfig struct {
	// Driver - "sqlite", "redis" или "none"
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// Config полная конфигурация клиента
type Config struct {
	Credentials Credentials   `mapstructure:"credentials"`
	SIP         SIPConfig     `mapstructure:"sip"`
	Media       MediaConfig   `mapstructure:"media"`
	API         APIConfig     `mapstructure:"api"`
	History     HistoryConfig `mapstructure:"history"`
	Log         LogConfig     `mapstructure:"log"`
}

// Default возвращает конфигурацию по умолчанию. Учетные данные пустые
// и должны быть заданы явно.
func Default() *Config {
	return &Config{
		Credentials: Credentials{
			TransportType: TransportUDP,
		},
		SIP: SIPConfig{
			ListenHost:      "0.0.0.0",
			ListenPort:      5060,
			Hostname:        "localhost",
			RequestTimeout:  5 * time.Second,
			RegisterExpires: time.Hour,
		},
		Media: MediaConfig{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			Trickle:             true,
			Audio:               true,
			Video:               false,
			DisconnectedTimeout: 5 * time.Second,
			FailedTimeout:       25 * time.Second,
			KeepAliveInterval:   2 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8089",
		},
		History: HistoryConfig{
			Driver: "sqlite",
			DSN:    "file:rtcall_history.db",
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate проверяет всю конфигурацию
func (c *Config) Validate() error {
	if err := c.Credentials.Validate(); err != nil {
		return err
	}

	verr := &ValidationError{}
	if c.SIP.ListenPort < 0 || c.SIP.ListenPort > 65535 {
		verr.Invalid = append(verr.Invalid, "sip.listen_port")
	}
	if c.SIP.RequestTimeout <= 0 {
		verr.Invalid = append(verr.Invalid, "sip.request_timeout")
	}
	if c.API.Enabled {
		if c.API.Listen == "" {
			verr.Missing = append(verr.Missing, "api.listen")
		}
		if c.API.JWTSecret == "" {
			verr.Missing = append(verr.Missing, "api.jwt_secret")
		}
	}
	switch c.History.Driver {
	case "", "none", "sqlite", "redis":
	default:
		verr.Invalid = append(verr.Invalid, "history.driver")
	}
	if c.History.Driver == "redis" && c.History.RedisAddr == "" {
		verr.Missing = append(verr.Missing, "history.redis_addr")
	}

	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		return verr
	}
	return nil
}

// Load читает конфигурацию из файла path (может быть пустым) и переменных окружения.
// Отсутствующий файл не является ошибкой только если path пустой.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
		}
	} else {
		v.SetConfigName("rtcall")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("не удалось прочитать конфигурацию: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}
	cfg.Credentials.TransportType = cfg.Credentials.TransportType.Normalize()

	return cfg, nil
}

// setDefaults регистрирует каждое поле в viper, иначе AutomaticEnv
// не увидит переменные окружения для ключей без значения в файле.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("credentials.user", d.Credentials.User)
	v.SetDefault("credentials.password", d.Credentials.Password)
	v.SetDefault("credentials.account_id", d.Credentials.AccountID)
	v.SetDefault("credentials.capability_token", d.Credentials.CapabilityToken)
	v.SetDefault("credentials.domain", d.Credentials.Domain)
	v.SetDefault("credentials.registrar_host", d.Credentials.RegistrarHost)
	v.SetDefault("credentials.transport_type", string(d.Credentials.TransportType))
	v.SetDefault("credentials.transport_port", d.Credentials.TransportPort)
	v.SetDefault("credentials.client_version", d.Credentials.ClientVersion)

	v.SetDefault("sip.listen_host", d.SIP.ListenHost)
	v.SetDefault("sip.listen_port", d.SIP.ListenPort)
	v.SetDefault("sip.hostname", d.SIP.Hostname)
	v.SetDefault("sip.request_timeout", d.SIP.RequestTimeout)
	v.SetDefault("sip.register_expires", d.SIP.RegisterExpires)

	v.SetDefault("media.ice_servers", []map[string]any{
		{"urls": d.Media.ICEServers[0].URLs},
	})
	v.SetDefault("media.trickle", d.Media.Trickle)
	v.SetDefault("media.audio", d.Media.Audio)
	v.SetDefault("media.video", d.Media.Video)
	v.SetDefault("media.disconnected_timeout", d.Media.DisconnectedTimeout)
	v.SetDefault("media.failed_timeout", d.Media.FailedTimeout)
	v.SetDefault("media.keepalive_interval", d.Media.KeepAliveInterval)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.jwt_secret", d.API.JWTSecret)

	v.SetDefault("history.driver", d.History.Driver)
	v.SetDefault("history.dsn", d.History.DSN)
	v.SetDefault("history.redis_addr", d.History.RedisAddr)
	v.SetDefault("history.redis_password", d.History.RedisPassword)
	v.SetDefault("history.redis_db", d.History.RedisDB)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.console", d.Log.Console)
}
