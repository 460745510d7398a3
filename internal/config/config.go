package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultModel       = "gemini-2.5-flash"
	DefaultLogicModel  = "gemma-3-27b-it"
	DefaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultHistorySize = 30
	DefaultBufferSize  = 20

	// Ambient engagement only considers messages longer than this.
	DefaultMinAmbientLength = 10
	DefaultAmbientChance    = 0.01
	DefaultReactionChance   = 0.07
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	AI       AIConfig       `json:"ai"`
	Engine   EngineConfig   `json:"engine"`
	DataDir  string         `json:"dataDir"`
}

type TelegramConfig struct {
	Token   string `json:"token"`
	AdminID int64  `json:"adminId"`
	Proxy   string `json:"proxy,omitempty"`
}

type AIConfig struct {
	APIKey     string `json:"apiKey"`
	BaseURL    string `json:"baseUrl,omitempty"`
	Model      string `json:"model,omitempty"`
	LogicModel string `json:"logicModel,omitempty"`
}

type EngineConfig struct {
	TriggerWords     []string `json:"triggerWords,omitempty"`
	HistorySize      int      `json:"historySize,omitempty"`
	BufferSize       int      `json:"bufferSize,omitempty"`
	AmbientChance    float64  `json:"ambientChance,omitempty"`
	ReactionChance   float64  `json:"reactionChance,omitempty"`
	MinAmbientLength int      `json:"minAmbientLength,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			BaseURL:    DefaultBaseURL,
			Model:      DefaultModel,
			LogicModel: DefaultLogicModel,
		},
		Engine: EngineConfig{
			TriggerWords:     []string{"sova", "сова"},
			HistorySize:      DefaultHistorySize,
			BufferSize:       DefaultBufferSize,
			AmbientChance:    DefaultAmbientChance,
			ReactionChance:   DefaultReactionChance,
			MinAmbientLength: DefaultMinAmbientLength,
		},
		DataDir: filepath.Join(ConfigDir(), "data"),
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".sova")
}

func ConfigPath() string {
	if p := os.Getenv("SOVA_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func Load() (*Config, error) {
	// Pick up a local .env if present; real env always wins.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if token := os.Getenv("SOVA_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Telegram.Token == "" {
		cfg.Telegram.Token = token
	}
	if admin := os.Getenv("SOVA_ADMIN_ID"); admin != "" {
		if parsed, err := strconv.ParseInt(admin, 10, 64); err == nil {
			cfg.Telegram.AdminID = parsed
		}
	}
	if admin := os.Getenv("ADMIN_USER_ID"); admin != "" && cfg.Telegram.AdminID == 0 {
		if parsed, err := strconv.ParseInt(admin, 10, 64); err == nil {
			cfg.Telegram.AdminID = parsed
		}
	}
	if key := os.Getenv("SOVA_AI_API_KEY"); key != "" {
		cfg.AI.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.AI.APIKey == "" {
		cfg.AI.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.AI.APIKey == "" {
		cfg.AI.APIKey = key
	}
	if url := os.Getenv("SOVA_AI_BASE_URL"); url != "" {
		cfg.AI.BaseURL = url
	}
	if model := os.Getenv("SOVA_AI_MODEL"); model != "" {
		cfg.AI.Model = model
	}
	if dir := os.Getenv("SOVA_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if cfg.AI.BaseURL == "" {
		cfg.AI.BaseURL = DefaultBaseURL
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = DefaultModel
	}
	if cfg.AI.LogicModel == "" {
		cfg.AI.LogicModel = DefaultLogicModel
	}
	if cfg.Engine.HistorySize <= 0 {
		cfg.Engine.HistorySize = DefaultHistorySize
	}
	if cfg.Engine.BufferSize <= 0 {
		cfg.Engine.BufferSize = DefaultBufferSize
	}
	if len(cfg.Engine.TriggerWords) == 0 {
		cfg.Engine.TriggerWords = DefaultConfig().Engine.TriggerWords
	}
	if cfg.Engine.AmbientChance <= 0 {
		cfg.Engine.AmbientChance = DefaultAmbientChance
	}
	if cfg.Engine.ReactionChance <= 0 {
		cfg.Engine.ReactionChance = DefaultReactionChance
	}
	if cfg.Engine.MinAmbientLength <= 0 {
		cfg.Engine.MinAmbientLength = DefaultMinAmbientLength
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultConfig().DataDir
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	dir := filepath.Dir(ConfigPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (SOVA_TELEGRAM_TOKEN or config)")
	}
	if c.Telegram.AdminID == 0 {
		return fmt.Errorf("admin id is required (SOVA_ADMIN_ID or config)")
	}
	if c.AI.APIKey == "" {
		return fmt.Errorf("AI api key is required (SOVA_AI_API_KEY or config)")
	}
	if _, err := c.BotID(); err != nil {
		return err
	}
	return nil
}

// BotID extracts the numeric bot identity from the token prefix.
func (c *Config) BotID() (int64, error) {
	prefix, _, ok := strings.Cut(c.Telegram.Token, ":")
	if !ok {
		return 0, fmt.Errorf("telegram token has no ':' separator")
	}
	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram token prefix is not numeric: %w", err)
	}
	return id, nil
}

// TriggerRegexp matches any trigger word as a whole word, case-insensitively.
// Word edges are anything that is not a letter, so "sova," and "(sova)" hit
// while "sovavision" does not.
func (c *Config) TriggerRegexp() (*regexp.Regexp, error) {
	if len(c.Engine.TriggerWords) == 0 {
		return nil, fmt.Errorf("no trigger words configured")
	}
	words := make([]string, 0, len(c.Engine.TriggerWords))
	for _, w := range c.Engine.TriggerWords {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		words = append(words, regexp.QuoteMeta(w))
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("no trigger words configured")
	}
	pattern := `(?i)(?:^|[^\p{L}])(?:` + strings.Join(words, "|") + `)(?:[^\p{L}]|$)`
	return regexp.Compile(pattern)
}
