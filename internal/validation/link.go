// Package validation содержит функции валидации входных данных.
package validation

import "net/url"

// IsValidLink проверяет, что ссылка назначения — абсолютный http(s)-URL.
func IsValidLink(link string) bool {
	if link == "" {
		return false
	}

	u, err := url.ParseRequestURI(link)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	return u.Host != ""
}
