package core

import (
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Address                   string
		SecretKey                 string
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		PasswordResetTimeoutDelta time.Duration
		SendgridAPIKey            string
		DatabaseURL               string // in-memory users when empty
		DisableReqLogs            bool
	}

	Config struct {
		Env     string // DEV (local; default), TEST, QA, PROD
		Build   string
		AppName string
		Debug   bool

		APIBaseURL      string
		FrontendBaseURL string
		TokenFile       string
		RequestTimeout  time.Duration

		RollbarToken     string
		DefaultFromEmail mail.Address

		Server ServerConfig

		v *viper.Viper
	}
)

// NewConfig loads the configuration from defaults, the optional `config/.env.<env>` file,
// the optional config file at `cfgFile` and the environment (in that order of precedence, lowest first).
func NewConfig(cfgFile ...string) (*Config, error) {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("appName", "LMS Console")
	v.SetDefault("build", "develop")
	v.SetDefault("apiBaseURL", "http://localhost:8000/api")
	v.SetDefault("frontendBaseURL", "http://localhost:8000")
	v.SetDefault("tokenFile", defaultTokenFile())
	v.SetDefault("requestTimeout", 30*time.Second)
	v.SetDefault("rollbarToken", "")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("server.jwtExpirationDelta", 15*time.Minute)
	v.SetDefault("server.jwtRefreshExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.passwordResetTimeoutDelta", 3*24*time.Hour)
	v.SetDefault("server.sendgridApiKey", "")
	v.SetDefault("server.databaseURL", "")
	v.SetDefault("server.disableReqLogs", false)

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, errors.Wrapf(err, "loading %s", dotEnvPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "checking %s", dotEnvPath)
	}

	if len(cfgFile) > 0 && cfgFile[0] != "" {
		v.SetConfigFile(cfgFile[0])
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
	}
	v.AutomaticEnv()

	from, err := mail.ParseAddress(v.GetString("defaultFromEmail"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing defaultFromEmail")
	}

	conf := &Config{
		Env:              env,
		Build:            v.GetString("build"),
		AppName:          v.GetString("appName"),
		Debug:            v.GetBool("debug"),
		APIBaseURL:       strings.TrimRight(v.GetString("apiBaseURL"), "/"),
		FrontendBaseURL:  strings.TrimRight(v.GetString("frontendBaseURL"), "/"),
		TokenFile:        expandHome(v.GetString("tokenFile")),
		RequestTimeout:   v.GetDuration("requestTimeout"),
		RollbarToken:     v.GetString("rollbarToken"),
		DefaultFromEmail: *from,
		Server: ServerConfig{
			Address:                   v.GetString("server.address"),
			SecretKey:                 v.GetString("server.secretKey"),
			JWTExpirationDelta:        v.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
			PasswordResetTimeoutDelta: v.GetDuration("server.passwordResetTimeoutDelta"),
			SendgridAPIKey:            v.GetString("server.sendgridApiKey"),
			DatabaseURL:               v.GetString("server.databaseURL"),
			DisableReqLogs:            v.GetBool("server.disableReqLogs"),
		},
		v: v,
	}
	return conf, nil
}

// Set overrides a config key for the lifetime of the process (eg. from a CLI flag).
func (c *Config) Set(key string, value interface{}) {
	c.v.Set(key, value)
	switch key {
	case "apiBaseURL":
		c.APIBaseURL = strings.TrimRight(c.v.GetString(key), "/")
	case "tokenFile":
		c.TokenFile = expandHome(c.v.GetString(key))
	case "debug":
		c.Debug = c.v.GetBool(key)
	case "server.address":
		c.Server.Address = c.v.GetString(key)
	}
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".lmsconsole-tokens.yaml"
	}
	return filepath.Join(dir, "lmsconsole", "tokens.yaml")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
