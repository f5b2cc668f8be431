package config

import "time"

type Config interface {
	EnvConfig
	ClientConfig
	StorageConfig
	RouteConfig
	PortalConfig
	StubConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type ClientConfig interface {
	GetBaseURL() string
	GetRequestTimeout() time.Duration
	GetLongRequestTimeout() time.Duration
	GetRefreshTimeout() time.Duration
	GetLogoutTimeout() time.Duration
}

type StorageConfig interface {
	GetStoreBackend() string
	GetStorePath() string
	GetStorePollInterval() time.Duration
}

type RouteConfig interface {
	GetLoginPath() string
	GetHomePath() string
}

type PortalConfig interface {
	GetPortalAddr() string
}

type StubConfig interface {
	GetStubAddr() string
	GetStubSigningSecret() string
	GetStubAccessTokenExpiry() time.Duration
	GetStubRefreshTokenExpiry() time.Duration
	GetStubUsers() []StubUser
}

// Store backends
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

var _ Config = (*Settings)(nil)

func (s *Settings) GetAppName() string  { return s.AppName }
func (s *Settings) GetEnv() string      { return s.Env }
func (s *Settings) GetLogLevel() string { return s.LogLevel }

func (s *Settings) GetBaseURL() string                   { return s.Client.BaseURL }
func (s *Settings) GetRequestTimeout() time.Duration     { return s.Client.RequestTimeout }
func (s *Settings) GetLongRequestTimeout() time.Duration { return s.Client.LongRequestTimeout }
func (s *Settings) GetRefreshTimeout() time.Duration     { return s.Client.RefreshTimeout }
func (s *Settings) GetLogoutTimeout() time.Duration      { return s.Client.LogoutTimeout }

func (s *Settings) GetStoreBackend() string             { return s.Storage.Backend }
func (s *Settings) GetStorePath() string                { return s.Storage.Path }
func (s *Settings) GetStorePollInterval() time.Duration { return s.Storage.PollInterval }

func (s *Settings) GetLoginPath() string { return s.Routes.LoginPath }
func (s *Settings) GetHomePath() string  { return s.Routes.HomePath }

func (s *Settings) GetPortalAddr() string { return s.Portal.ListenAddr }

func (s *Settings) GetStubAddr() string                      { return s.Stub.ListenAddr }
func (s *Settings) GetStubSigningSecret() string             { return s.Stub.SigningSecret }
func (s *Settings) GetStubAccessTokenExpiry() time.Duration  { return s.Stub.AccessTokenExpiry }
func (s *Settings) GetStubRefreshTokenExpiry() time.Duration { return s.Stub.RefreshTokenExpiry }
func (s *Settings) GetStubUsers() []StubUser                 { return s.Stub.Users }
