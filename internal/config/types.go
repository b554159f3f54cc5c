package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Seconds 以整数秒输出，用于拼接 Cache-Control max-age。
func (d Duration) Seconds() int64 {
	return int64(time.Duration(d) / time.Second)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志输出与诊断开关。
type GlobalConfig struct {
	ListenPort         int    `mapstructure:"ListenPort" validate:"min=1,max=65535"`
	LogLevel           string `mapstructure:"LogLevel" validate:"required"`
	LogFilePath        string `mapstructure:"LogFilePath"`
	LogMaxSize         int    `mapstructure:"LogMaxSize" validate:"gte=0"`
	LogMaxBackups      int    `mapstructure:"LogMaxBackups" validate:"gte=0"`
	LogCompress        bool   `mapstructure:"LogCompress"`
	DiagnosticsEnabled bool   `mapstructure:"DiagnosticsEnabled"`
}

// UpstreamConfig 汇总三个上游地址与仓库标识，进程启动后只读。
type UpstreamConfig struct {
	Repository      string   `mapstructure:"Repository" validate:"required"`
	RawBase         string   `mapstructure:"RawBase" validate:"required,url"`
	APIBase         string   `mapstructure:"APIBase" validate:"required,url"`
	DownloadBase    string   `mapstructure:"DownloadBase" validate:"required,url"`
	ScriptRef       string   `mapstructure:"ScriptRef" validate:"required"`
	ScriptPath      string   `mapstructure:"ScriptPath" validate:"required"`
	ScriptRoute     string   `mapstructure:"ScriptRoute" validate:"required,startswith=/"`
	RedirectURL     string   `mapstructure:"RedirectURL" validate:"required,url"`
	UserAgent       string   `mapstructure:"UserAgent" validate:"required"`
	ServedBy        string   `mapstructure:"ServedBy" validate:"required"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// CacheConfig 决定缓存后端、各路由 TTL 以及后台写入队列的规模。
type CacheConfig struct {
	CacheBackend     string   `mapstructure:"CacheBackend" validate:"oneof=disk memory redis"`
	StoragePath      string   `mapstructure:"StoragePath"`
	SpoolPath        string   `mapstructure:"SpoolPath"`
	MemoryMaxEntries int      `mapstructure:"MemoryMaxEntries" validate:"gte=0"`
	MaxEntryBytes    int64    `mapstructure:"MaxEntryBytes" validate:"gte=0"`
	RedisAddr        string   `mapstructure:"RedisAddr"`
	RedisPassword    string   `mapstructure:"RedisPassword"`
	RedisDB          int      `mapstructure:"RedisDB" validate:"gte=0"`
	RedisKeyPrefix   string   `mapstructure:"RedisKeyPrefix"`
	LatestTTL        Duration `mapstructure:"LatestTTL"`
	DownloadTTL      Duration `mapstructure:"DownloadTTL"`
	SweepInterval    Duration `mapstructure:"SweepInterval"`
	PopulateWorkers  int      `mapstructure:"PopulateWorkers" validate:"gte=0"`
	PopulateQueue    int      `mapstructure:"PopulateQueue" validate:"gte=0"`
}

// Config 是 TOML 文件映射的整体结构，所有键位于顶层。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Upstream UpstreamConfig `mapstructure:",squash"`
	Cache    CacheConfig    `mapstructure:",squash"`
}

// ScriptURL 返回安装脚本在 raw 文件主机上的完整地址。
func (u UpstreamConfig) ScriptURL() string {
	return fmt.Sprintf("%s/%s/%s/%s",
		strings.TrimRight(u.RawBase, "/"),
		u.Repository,
		u.ScriptRef,
		strings.TrimLeft(u.ScriptPath, "/"),
	)
}

// LatestReleaseURL 返回元数据 API 中 "最新 release" 的地址。
func (u UpstreamConfig) LatestReleaseURL() string {
	return fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(u.APIBase, "/"), u.Repository)
}

// DownloadPrefix 返回二进制下载地址的固定前缀，版本号与文件名直接拼接在其后。
func (u UpstreamConfig) DownloadPrefix() string {
	return fmt.Sprintf("%s/%s/releases/download", strings.TrimRight(u.DownloadBase, "/"), u.Repository)
}

// UsesDisk 表示当前后端是否需要本地目录。
func (c CacheConfig) UsesDisk() bool {
	return c.CacheBackend == "" || c.CacheBackend == BackendDisk
}

const (
	BackendDisk   = "disk"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)
