package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// FieldError 携带 Config 内的字段路径（如 Cache.RedisAddr），CLI 直接打印给用户。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// Validate 先执行结构体标签校验，再做跨字段的语义校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldErrorFromValidator(verrs[0])
		}
		return err
	}

	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}

	u := c.Upstream
	if strings.Count(u.Repository, "/") != 1 || strings.Contains(u.Repository, "..") {
		return newFieldError("Upstream.Repository", "格式应为 owner/name")
	}
	for field, raw := range map[string]string{
		"Upstream.RawBase":      u.RawBase,
		"Upstream.APIBase":      u.APIBase,
		"Upstream.DownloadBase": u.DownloadBase,
		"Upstream.RedirectURL":  u.RedirectURL,
	} {
		if err := validateUpstream(raw); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if u.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Upstream.UpstreamTimeout", "必须大于 0")
	}

	cache := c.Cache
	switch cache.CacheBackend {
	case BackendDisk:
		if cache.StoragePath == "" {
			return newFieldError("Cache.StoragePath", "disk 后端不能为空")
		}
	case BackendRedis:
		if cache.RedisAddr == "" {
			return newFieldError("Cache.RedisAddr", "redis 后端不能为空")
		}
	}
	if cache.LatestTTL.DurationValue() <= 0 {
		return newFieldError("Cache.LatestTTL", "必须大于 0")
	}
	if cache.DownloadTTL.DurationValue() <= 0 {
		return newFieldError("Cache.DownloadTTL", "必须大于 0")
	}
	if cache.SweepInterval.DurationValue() < 0 {
		return newFieldError("Cache.SweepInterval", "不能为负数")
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func fieldErrorFromValidator(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return newFieldError(field, "不能为空")
	case "url":
		return newFieldError(field, "必须是合法 URL")
	case "oneof":
		return newFieldError(field, "仅支持 "+strings.ReplaceAll(fe.Param(), " ", "/"))
	case "min", "max":
		return newFieldError(field, "必须在 1-65535")
	case "gte":
		return newFieldError(field, "不能为负数")
	case "startswith":
		return newFieldError(field, "必须以 "+fe.Param()+" 开头")
	default:
		return newFieldError(field, fmt.Sprintf("校验失败 (%s)", fe.Tag()))
	}
}
