package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"binance-mm-runner/internal/models"

	"gopkg.in/yaml.v3"
)

// LoadConfig 从指定路径加载配置文件。.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(c *models.Config) {
	c.Runner = c.Runner.WithDefaults()
	if c.DBPath == "" {
		c.DBPath = "data/badger"
	}
	if c.ControlDir == "" {
		c.ControlDir = "data/control"
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
	if c.LogConfig.File == "" {
		c.LogConfig.File = "logs/runner.log"
	}
	for i := range c.Bots {
		b := &c.Bots[i]
		b.Bot.Symbol = strings.ToUpper(b.Bot.Symbol)
		if b.Bot.Status == "" {
			b.Bot.Status = models.StatusRunning
		}
		if b.Notification.MinLevel == "" {
			b.Notification.MinLevel = models.AlertInfo
		}
	}
}

// Validate 检查配置中相互引用的部分是否一致
func Validate(c *models.Config) error {
	switch c.Runner.FailurePolicy {
	case models.PolicyStop, models.PolicyBackoff:
	default:
		return fmt.Errorf("unknown failure_policy %q", c.Runner.FailurePolicy)
	}
	for key, ex := range c.Exchanges {
		switch ex.Kind {
		case "binance", "paper":
		default:
			return fmt.Errorf("exchange %s: unknown kind %q", key, ex.Kind)
		}
	}
	seen := make(map[string]bool, len(c.Bots))
	for _, b := range c.Bots {
		if b.Bot.ID == "" {
			return fmt.Errorf("bot without id")
		}
		if seen[b.Bot.ID] {
			return fmt.Errorf("duplicate bot id %s", b.Bot.ID)
		}
		seen[b.Bot.ID] = true
		if b.Bot.Symbol == "" {
			return fmt.Errorf("bot %s: symbol is required", b.Bot.ID)
		}
		if _, ok := c.Exchanges[b.Bot.Exchange]; !ok {
			return fmt.Errorf("bot %s: exchange %q is not configured", b.Bot.ID, b.Bot.Exchange)
		}
		if b.Bot.PriceFollowEnabled {
			if _, ok := c.Exchanges[b.Bot.PriceSourceExchange]; !ok {
				return fmt.Errorf("bot %s: price source exchange %q is not configured", b.Bot.ID, b.Bot.PriceSourceExchange)
			}
		}
	}
	return nil
}
