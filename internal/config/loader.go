package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Cache.UsesDisk() {
		absStorage, err := filepath.Abs(cfg.Cache.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Cache.StoragePath = absStorage
	}
	if cfg.Cache.SpoolPath != "" {
		absSpool, err := filepath.Abs(cfg.Cache.SpoolPath)
		if err != nil {
			return nil, fmt.Errorf("无法解析临时目录: %w", err)
		}
		cfg.Cache.SpoolPath = absSpool
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8787)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("DiagnosticsEnabled", false)

	v.SetDefault("Repository", DefaultRepository)
	v.SetDefault("RawBase", "https://raw.githubusercontent.com")
	v.SetDefault("APIBase", "https://api.github.com")
	v.SetDefault("DownloadBase", "https://github.com")
	v.SetDefault("ScriptRef", "main")
	v.SetDefault("ScriptPath", "scripts/install.sh")
	v.SetDefault("ScriptRoute", "/zyhive.sh")
	v.SetDefault("RedirectURL", "https://zyling.ai")
	v.SetDefault("UserAgent", DefaultUserAgent)
	v.SetDefault("ServedBy", DefaultServedBy)
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("CacheBackend", BackendDisk)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MemoryMaxEntries", 512)
	v.SetDefault("MaxEntryBytes", 64*1024*1024)
	v.SetDefault("RedisKeyPrefix", "install-relay")
	v.SetDefault("LatestTTL", 300)
	v.SetDefault("DownloadTTL", 86400)
	v.SetDefault("SweepInterval", "10m")
	v.SetDefault("PopulateWorkers", 4)
	v.SetDefault("PopulateQueue", 64)
}

const (
	DefaultRepository = "Zyling-ai/zyhive"
	DefaultUserAgent  = "ZyHive-Install-Worker/1.0"
	DefaultServedBy   = "install.zyling.ai"
)

// ApplyDefaults 为零值字段补齐默认值，测试或嵌入场景手工构造 Config 时同样适用。
func ApplyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 8787
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}

	u := &cfg.Upstream
	if u.Repository == "" {
		u.Repository = DefaultRepository
	}
	u.Repository = strings.Trim(u.Repository, "/")
	if u.RawBase == "" {
		u.RawBase = "https://raw.githubusercontent.com"
	}
	if u.APIBase == "" {
		u.APIBase = "https://api.github.com"
	}
	if u.DownloadBase == "" {
		u.DownloadBase = "https://github.com"
	}
	if u.ScriptRef == "" {
		u.ScriptRef = "main"
	}
	if u.ScriptPath == "" {
		u.ScriptPath = "scripts/install.sh"
	}
	if u.ScriptRoute == "" {
		u.ScriptRoute = "/zyhive.sh"
	}
	if u.RedirectURL == "" {
		u.RedirectURL = "https://zyling.ai"
	}
	if u.UserAgent == "" {
		u.UserAgent = DefaultUserAgent
	}
	if u.ServedBy == "" {
		u.ServedBy = DefaultServedBy
	}
	if u.UpstreamTimeout.DurationValue() == 0 {
		u.UpstreamTimeout = Duration(30 * time.Second)
	}

	c := &cfg.Cache
	c.CacheBackend = strings.ToLower(strings.TrimSpace(c.CacheBackend))
	if c.CacheBackend == "" {
		c.CacheBackend = BackendDisk
	}
	if c.StoragePath == "" && c.CacheBackend == BackendDisk {
		c.StoragePath = "./storage"
	}
	if c.SpoolPath == "" && c.StoragePath != "" {
		c.SpoolPath = filepath.Join(c.StoragePath, ".spool")
	}
	if c.MemoryMaxEntries == 0 {
		c.MemoryMaxEntries = 512
	}
	if c.MaxEntryBytes == 0 {
		c.MaxEntryBytes = 64 * 1024 * 1024
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "install-relay"
	}
	if c.LatestTTL.DurationValue() == 0 {
		c.LatestTTL = Duration(300 * time.Second)
	}
	if c.DownloadTTL.DurationValue() == 0 {
		c.DownloadTTL = Duration(24 * time.Hour)
	}
	if c.SweepInterval.DurationValue() == 0 {
		c.SweepInterval = Duration(10 * time.Minute)
	}
	if c.PopulateWorkers == 0 {
		c.PopulateWorkers = 4
	}
	if c.PopulateQueue == 0 {
		c.PopulateQueue = 64
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
