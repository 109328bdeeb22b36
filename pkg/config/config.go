package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Completion CompletionConfig `mapstructure:"completion"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	PlantNet   PlantNetConfig   `mapstructure:"plantnet"`
	Vision     VisionConfig     `mapstructure:"vision"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	Assistant  AssistantConfig  `mapstructure:"assistant"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// EditInterval throttles edits of a reply while it streams.
	EditInterval time.Duration `mapstructure:"edit_interval"`
	Debug        bool          `mapstructure:"debug"`
}

type DatabaseConfig struct {
	// Driver is one of "memory", "bolt" or "postgres".
	Driver      string `mapstructure:"driver"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
	BoltPath    string `mapstructure:"bolt_path"`
}

type CompletionConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Stream    bool          `mapstructure:"stream"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type QuotaConfig struct {
	DailyQuestions int `mapstructure:"daily_questions"`
	DailyPlants    int `mapstructure:"daily_plants"`
	// Timezone is an IANA name; empty means the process local zone.
	Timezone string `mapstructure:"timezone"`
}

type PlantNetConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Project string        `mapstructure:"project"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type VisionConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	MaxLabels int    `mapstructure:"max_labels"`
}

type SpeechConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type AssistantConfig struct {
	Persona         string `mapstructure:"persona"`
	DefaultLanguage string `mapstructure:"default_language"`
	MaxDocuments    int    `mapstructure:"max_documents"`
	MaxHistory      int    `mapstructure:"max_history"`
}

// Location resolves the quota timezone.
func (q QuotaConfig) Location() (*time.Location, error) {
	if q.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(q.Timezone)
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.edit_interval", "1s")
	v.SetDefault("telegram.debug", false)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("database.bolt_path", "avo-bot.db")

	v.SetDefault("completion.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("completion.model", "deepseek-chat")
	v.SetDefault("completion.max_tokens", 2000)
	v.SetDefault("completion.stream", true)
	v.SetDefault("completion.timeout", "60s")

	v.SetDefault("quota.daily_questions", 5)
	v.SetDefault("quota.daily_plants", 3)

	v.SetDefault("plantnet.base_url", "https://my-api.plantnet.org")
	v.SetDefault("plantnet.project", "all")
	v.SetDefault("plantnet.timeout", "30s")

	v.SetDefault("vision.enabled", true)
	v.SetDefault("vision.model", "gpt-4o-mini")
	v.SetDefault("vision.max_tokens", 300)
	v.SetDefault("vision.max_labels", 5)

	v.SetDefault("speech.enabled", true)
	v.SetDefault("speech.model", "whisper-1")

	v.SetDefault("assistant.default_language", "en")
	v.SetDefault("assistant.max_documents", 5)
	v.SetDefault("assistant.max_history", 40)
}

// LoadConfig reads the YAML file at path. A missing file is not an error when
// the environment carries the settings. Values from a .env file in the
// working directory are loaded first and never override the real environment.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		dbConfig.BoltPath = config.Database.BoltPath
		config.Database = dbConfig
	}
	if config.Database.UseInMemory {
		config.Database.Driver = "memory"
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("DEEPSEEK_API_KEY"); apiKey != "" {
		config.Completion.APIKey = apiKey
	}
	if apiKey := v.GetString("PLANTNET_API_KEY"); apiKey != "" {
		config.PlantNet.APIKey = apiKey
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		if config.Vision.APIKey == "" {
			config.Vision.APIKey = apiKey
		}
		if config.Speech.APIKey == "" {
			config.Speech.APIKey = apiKey
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports settings the bot cannot start without.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram token is required")
	}
	if c.Completion.APIKey == "" {
		return errors.New("completion api key is required")
	}
	switch c.Database.Driver {
	case "memory", "bolt", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if _, err := c.Quota.Location(); err != nil {
		return fmt.Errorf("invalid quota timezone: %w", err)
	}
	return nil
}
