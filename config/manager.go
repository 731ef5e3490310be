package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
)

// Manager 配置管理器：默认值 < 配置文件 < 环境变量
type Manager struct {
	configPath string
	config     *Config
	mutex      sync.RWMutex
	lastLoad   time.Time
}

// NewManager 创建配置管理器，configPath 为空时只使用默认值和环境变量
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		config:     DefaultConfig(),
	}
}

// Load 重新加载配置。显式指定但不存在的配置文件视为错误
func (m *Manager) Load() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cfg := DefaultConfig()

	if m.configPath != "" {
		if !fileExists(m.configPath) {
			return fmt.Errorf("config file not found: %s", m.configPath)
		}
		data, err := os.ReadFile(m.configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %v", err)
		}
		if err := decode(m.configPath, data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %v", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to parse environment: %v", err)
	}

	cfg.DNS.Servers = NormalizeServers(cfg.DNS.Servers)
	if cfg.DNS.Hosts == nil {
		cfg.DNS.Hosts = map[string]string{}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.config = cfg
	m.lastLoad = time.Now()
	return nil
}

// Save 以原子方式写回配置文件，格式由扩展名决定
func (m *Manager) Save() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %v", err)
	}

	data, err := encode(m.configPath, m.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}

	// 写入临时文件然后重命名，确保原子性操作
	tempPath := m.configPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp config file: %v", err)
	}

	if err := os.Rename(tempPath, m.configPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp config file: %v", err)
	}

	m.lastLoad = time.Now()
	return nil
}

// GetConfig 返回配置副本
func (m *Manager) GetConfig() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	cfg := *m.config
	cfg.DNS.Servers = append([]string(nil), m.config.DNS.Servers...)
	cfg.DNS.Hosts = make(map[string]string, len(m.config.DNS.Hosts))
	for k, v := range m.config.DNS.Hosts {
		cfg.DNS.Hosts[k] = v
	}
	return &cfg
}

// SetConfig 替换当前配置（校验通过后）
func (m *Manager) SetConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.config = cfg
	return nil
}

// GetConfigPath 返回配置文件路径
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetLastLoadTime 获取最后加载时间
func (m *Manager) GetLastLoadTime() time.Time {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.lastLoad
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return json.Unmarshal(data, cfg)
}

func encode(path string, cfg *Config) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.MarshalIndent(cfg, "", "  ")
}
