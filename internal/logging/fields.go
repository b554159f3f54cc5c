package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由名与缓存状态字段，供代理请求日志复用。
func RequestFields(route, cacheStatus, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"route": route,
		"cache": cacheStatus,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// CacheFields 描述一次缓存写入/清理操作。
func CacheFields(action, backend, key string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"backend": backend,
		"key":     key,
	}
}
