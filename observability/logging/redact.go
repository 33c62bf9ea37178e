package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// secretKeys never reach the log stream, whoever logs them.
var secretKeys = map[string]struct{}{
	"authorization": {},
	"bearer":        {},
	"jwt":           {},
	"hmac_secret":   {},
	"secret":        {},
	"password":      {},
	"dsn":           {},
	"archive_dsn":   {},
}

// urlKeys carry endpoints whose credentials live in userinfo, path or query.
var urlKeys = map[string]struct{}{
	"rpc_url":  {},
	"endpoint": {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func isSecretKey(key string) bool {
	if _, ok := secretKeys[key]; ok {
		return true
	}
	return strings.HasSuffix(key, "_secret") || strings.HasSuffix(key, "_password")
}

// MaskURL keeps the scheme and host of raw. Userinfo, path and query are
// dropped since RPC providers embed API keys there. Anything that is not an
// absolute URL is masked entirely.
func MaskURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return RedactedValue
	}
	masked := u.Scheme + "://" + u.Host
	if u.User != nil || strings.Trim(u.Path, "/") != "" || u.RawQuery != "" {
		masked += "/" + RedactedValue
	}
	return masked
}

// MaskField returns an attribute whose value is hidden. Endpoint keys keep
// their host so operators can tell deployments apart. Empty values pass
// through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := urlKeys[normalizeKey(key)]; ok {
		return slog.String(key, MaskURL(value))
	}
	return slog.String(key, RedactedValue)
}

// redactAttr masks string attributes logged under a sensitive key. Configure
// installs it on every handler.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	key := normalizeKey(attr.Key)
	if _, ok := urlKeys[key]; ok {
		return slog.String(attr.Key, MaskURL(attr.Value.String()))
	}
	if isSecretKey(key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
