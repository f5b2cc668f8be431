package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "LEARN"

// Settings is the decoded configuration. Values come from, in order of
// precedence: environment (LEARN_CLIENT_BASE_URL, ...), the config file,
// then defaults.
type Settings struct {
	AppName  string `mapstructure:"app_name" validate:"required"`
	Env      string `mapstructure:"env" validate:"oneof=DEV TEST QA PROD"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn error disabled"`

	Client struct {
		BaseURL            string        `mapstructure:"base_url" validate:"required,url"`
		RequestTimeout     time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
		LongRequestTimeout time.Duration `mapstructure:"long_request_timeout" validate:"gtefield=RequestTimeout"`
		RefreshTimeout     time.Duration `mapstructure:"refresh_timeout" validate:"gt=0"`
		LogoutTimeout      time.Duration `mapstructure:"logout_timeout" validate:"gt=0"`
	} `mapstructure:"client"`

	Storage struct {
		Backend      string        `mapstructure:"backend" validate:"oneof=file sqlite memory"`
		Path         string        `mapstructure:"path" validate:"required_unless=Backend memory"`
		PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	} `mapstructure:"storage"`

	Routes struct {
		LoginPath string `mapstructure:"login_path" validate:"startswith=/"`
		HomePath  string `mapstructure:"home_path" validate:"startswith=/"`
	} `mapstructure:"routes"`

	Portal struct {
		ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	} `mapstructure:"portal"`

	Stub struct {
		ListenAddr         string        `mapstructure:"listen_addr" validate:"required"`
		SigningSecret      string        `mapstructure:"signing_secret" validate:"min=16"`
		AccessTokenExpiry  time.Duration `mapstructure:"access_token_expiry" validate:"gt=0"`
		RefreshTokenExpiry time.Duration `mapstructure:"refresh_token_expiry" validate:"gtfield=AccessTokenExpiry"`
		Users              []StubUser    `mapstructure:"users" validate:"dive"`
	} `mapstructure:"stub"`
}

// StubUser seeds an account in the stub remote service.
type StubUser struct {
	Email     string   `mapstructure:"email" validate:"required,email"`
	Password  string   `mapstructure:"password" validate:"required"`
	FirstName string   `mapstructure:"first_name"`
	LastName  string   `mapstructure:"last_name"`
	Roles     []string `mapstructure:"roles" validate:"required,min=1"`
}

// Load reads configFile (optional) and the environment into Settings.
// An empty configFile searches ./learn.yaml and $HOME/.learnctl/learn.yaml.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		v.SetConfigName("learn")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	s.Env = strings.ToUpper(s.Env)

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &s, nil
}

// Default returns the settings used when no file or environment overrides
// exist. Tests use it as a base.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	_ = v.Unmarshal(&s)
	return &s
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "Learn")
	v.SetDefault("env", "DEV")
	v.SetDefault("log_level", "info")

	v.SetDefault("client.base_url", "http://localhost:8081")
	v.SetDefault("client.request_timeout", 10*time.Second)
	v.SetDefault("client.long_request_timeout", 5*time.Minute)
	v.SetDefault("client.refresh_timeout", 10*time.Second)
	v.SetDefault("client.logout_timeout", 3*time.Second)

	v.SetDefault("storage.backend", StoreFile)
	v.SetDefault("storage.path", defaultStorePath())
	v.SetDefault("storage.poll_interval", 500*time.Millisecond)

	v.SetDefault("routes.login_path", "/login")
	v.SetDefault("routes.home_path", "/")

	v.SetDefault("portal.listen_addr", "127.0.0.1:8080")

	v.SetDefault("stub.listen_addr", "127.0.0.1:8081")
	v.SetDefault("stub.signing_secret", "dev-only-signing-secret")
	v.SetDefault("stub.access_token_expiry", 5*time.Minute)
	v.SetDefault("stub.refresh_token_expiry", 7*24*time.Hour)
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".learnctl", "session.json")
	}
	return filepath.Join(home, ".learnctl", "session.json")
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	for _, dir := range []string{".", filepath.Join(home, ".learnctl")} {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "learn"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Validate checks struct tags and reports every failing field.
func (s *Settings) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", e.Namespace(), e.Tag(), e.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}
