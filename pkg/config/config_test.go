package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCredentials() Credentials {
	return Credentials{
		User:            "alice",
		Password:        "secret",
		AccountID:       "acc-1",
		CapabilityToken: "token",
		Domain:          "example.com",
		RegistrarHost:   "sip.example.com",
		TransportType:   TransportUDP,
		TransportPort:   5060,
		ClientVersion:   "1.0.0",
	}
}

func TestCredentialsValidate(t *testing.T) {
	require.NoError(t, validCredentials().Validate())

	// Пустые поля перечисляются все сразу
	c := validCredentials()
	c.User = ""
	c.Password = "   "
	c.TransportType = ""
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"user", "password", "transport_type"}, verr.Missing)
	assert.Empty(t, verr.Invalid)
}

func TestCredentialsValidateInvalid(t *testing.T) {
	c := validCredentials()
	c.TransportType = "SCTP"
	c.TransportPort = 70000

	var verr *ValidationError
	require.True(t, errors.As(c.Validate(), &verr))
	assert.ElementsMatch(t, []string{"transport_type", "transport_port"}, verr.Invalid)
}

func TestCredentialsHelpers(t *testing.T) {
	c := validCredentials()
	c.TransportType = "tls"
	c.TransportPort = 0

	assert.True(t, c.TransportType.Valid())
	assert.Equal(t, "tls", c.TransportType.Network())
	assert.Equal(t, 5061, c.Port())
	assert.Equal(t, "sips:alice@example.com", c.AOR())
	assert.Equal(t, "sip.example.com:5061", c.RegistrarAddr())
	assert.Equal(t, "rtcall/1.0.0", c.UserAgent())
}

func TestConfigValidate(t *testing.T) {
	cfg := Default()
	cfg.Credentials = validCredentials()
	require.NoError(t, cfg.Validate())

	cfg.API.Enabled = true
	cfg.History.Driver = "redis"
	var verr *ValidationError
	require.True(t, errors.As(cfg.Validate(), &verr))
	assert.ElementsMatch(t, []string{"api.jwt_secret", "history.redis_addr"}, verr.Missing)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rtcall.yaml")
	yaml := `
credentials:
  user: bob
  password: pw
  account_id: acc
  capability_token: tok
  domain: example.org
  registrar_host: reg.example.org
  transport_type: tcp
  client_version: "2.1"
sip:
  request_timeout: 3s
media:
  trickle: false
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("RTCALL_CREDENTIALS_USER", "carol")
	t.Setenv("RTCALL_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "carol", cfg.Credentials.User)
	assert.Equal(t, TransportTCP, cfg.Credentials.TransportType)
	assert.Equal(t, 3*time.Second, cfg.SIP.RequestTimeout)
	assert.Equal(t, time.Hour, cfg.SIP.RegisterExpires)
	assert.False(t, cfg.Media.Trickle)
	require.Len(t, cfg.Media.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.Media.ICEServers[0].URLs)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
