package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig базовая ошибка конфигурации. Все ошибки валидации
// оборачивают её, чтобы вызывающий код мог проверить errors.Is.
var ErrInvalidConfig = errors.New("некорректная конфигурация")

// TransportType определяет тип транспортного протокола SIP
type TransportType string

const (
	// TransportUDP - UDP транспорт
	TransportUDP TransportType = "UDP"
	// TransportTCP - TCP транспорт
	TransportTCP TransportType = "TCP"
	// TransportTLS - TLS транспорт
	TransportTLS TransportType = "TLS"
	// TransportWS - WebSocket транспорт
	TransportWS TransportType = "WS"
	// TransportWSS - WebSocket Secure транспорт
	TransportWSS TransportType = "WSS"
)

// Normalize приводит тип транспорта к верхнему регистру ("udp" -> "UDP")
func (t TransportType) Normalize() TransportType {
	return TransportType(strings.ToUpper(strings.TrimSpace(string(t))))
}

// Valid проверяет, что тип транспорта известен
func (t TransportType) Valid() bool {
	switch t.Normalize() {
	case TransportUDP, TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return true
	}
	return false
}

// Network возвращает имя сети в терминах sipgo ("udp", "tcp", "tls", "ws", "wss")
func (t TransportType) Network() string {
	return strings.ToLower(string(t.Normalize()))
}

// DefaultPort возвращает стандартный порт для транспорта
func (t TransportType) DefaultPort() int {
	switch t.Normalize() {
	case TransportTLS, TransportWSS:
		return 5061
	default:
		return 5060
	}
}

// Credentials набор учетных данных, необходимый для регистрации.
//
// Все строковые поля обязательны. Проверка выполняется локально в Validate
// до любой сетевой попытки: незаполненные поля никогда не уходят в сеть.
type Credentials struct {
	// User - имя пользователя (user part в AOR)
	User string `mapstructure:"user" json:"user"`
	// Password - пароль для digest аутентификации
	Password string `mapstructure:"password" json:"-"`
	// AccountID - идентификатор аккаунта у провайдера
	AccountID string `mapstructure:"account_id" json:"account_id"`
	// CapabilityToken - токен возможностей, передаётся в REGISTER
	CapabilityToken string `mapstructure:"capability_token" json:"-"`
	// Domain - SIP домен (host part в AOR)
	Domain string `mapstructure:"domain" json:"domain"`
	// RegistrarHost - хост регистратора
	RegistrarHost string `mapstructure:"registrar_host" json:"registrar_host"`
	// TransportType - тип транспорта до регистратора
	TransportType TransportType `mapstructure:"transport_type" json:"transport_type"`
	// TransportPort - порт регистратора
	TransportPort int `mapstructure:"transport_port" json:"transport_port"`
	// ClientVersion - версия клиента, уходит в User-Agent
	ClientVersion string `mapstructure:"client_version" json:"client_version"`
}

// ValidationError перечисляет все незаполненные и некорректные поля
type ValidationError struct {
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "не заполнены поля: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "некорректные поля: "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidConfig, strings.Join(parts, "; "))
}

// Unwrap позволяет использовать errors.Is(err, ErrInvalidConfig)
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// Validate проверяет наличие и непустоту обязательных полей
func (c Credentials) Validate() error {
	verr := &ValidationError{}

	required := []struct {
		name  string
		value string
	}{
		{"user", c.User},
		{"password", c.Password},
		{"account_id", c.AccountID},
		{"capability_token", c.CapabilityToken},
		{"domain", c.Domain},
		{"registrar_host", c.RegistrarHost},
		{"client_version", c.ClientVersion},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			verr.Missing = append(verr.Missing, f.name)
		}
	}

	if strings.TrimSpace(string(c.TransportType)) == "" {
		verr.Missing = append(verr.Missing, "transport_type")
	} else if !c.TransportType.Valid() {
		verr.Invalid = append(verr.Invalid, "transport_type")
	}

	if c.TransportPort < 0 || c.TransportPort > 65535 {
		verr.Invalid = append(verr.Invalid, "transport_port")
	}

	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		return verr
	}
	return nil
}

// Port возвращает порт регистратора, подставляя порт по умолчанию для транспорта
func (c Credentials) Port() int {
	if c.TransportPort == 0 {
		return c.TransportType.DefaultPort()
	}
	return c.TransportPort
}

// AOR возвращает Address of Record вида sip:user@domain
func (c Credentials) AOR() string {
	scheme := "sip"
	if t := c.TransportType.Normalize(); t == TransportTLS || t == TransportWSS {
		scheme = "sips"
	}
	return fmt.Sprintf("%s:%s@%s", scheme, c.User, c.Domain)
}

// RegistrarAddr возвращает адрес регистратора host:port
func (c Credentials) RegistrarAddr() string {
	return fmt.Sprintf("%s:%d", c.RegistrarHost, c.Port())
}

// UserAgent возвращает строку User-Agent клиента
func (c Credentials) UserAgent() string {
	return "rtcall/" + c.ClientVersion
}
