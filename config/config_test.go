package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dropsync/dropsync/service"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "trace"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyListenAddr(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	cfg := Default()
	cfg.DialConnectTimeout = 0
	require.Error(t, cfg.Validate())
}

func TestServiceConfigCarriesDialAndSessionSettings(t *testing.T) {
	cfg := Default()
	svcCfg := cfg.ServiceConfig()
	require.Equal(t, cfg.DialConnectTimeout, svcCfg.Dial.ConnectTimeout)
	require.Equal(t, cfg.SessionIdleLifetime, svcCfg.Session.IdleLifetime)
}

func TestServiceConfigDefaultsToNoAuth(t *testing.T) {
	svcCfg := Default().ServiceConfig()
	require.IsType(t, service.NoAuth{}, svcCfg.Auth)
}

func TestServiceConfigUsesSharedSecretWhenSet(t *testing.T) {
	cfg := Default()
	cfg.SharedSecret = "s3cr3t"
	svcCfg := cfg.ServiceConfig()
	require.Equal(t, service.SharedSecretAuth{Secret: "s3cr3t"}, svcCfg.Auth)
}
