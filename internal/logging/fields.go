package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供站点与 worker 版本字段，供生命周期、同步与推送日志复用。
func SiteFields(site, domain, version string) logrus.Fields {
	return logrus.Fields{
		"site":          site,
		"domain":        domain,
		"cache_version": version,
	}
}

// RequestFields 在站点字段之上追加策略与命中状态，供代理请求日志复用。
func RequestFields(site, domain, version, strategy, source string, cacheHit bool) logrus.Fields {
	fields := SiteFields(site, domain, version)
	fields["strategy"] = strategy
	fields["source"] = source
	fields["cache_hit"] = cacheHit
	return fields
}
