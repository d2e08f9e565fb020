package config

import "strings"

// RedactURL blanks out credentials in a URL's userinfo section so secrets
// never reach logs or printed output. Only the substring between "://" and
// "@" is replaced; URLs without that shape are returned unchanged.
func RedactURL(url string) string {
	schemeIdx := strings.Index(url, "://")
	if schemeIdx == -1 {
		return url
	}
	rest := url[schemeIdx+3:]
	atIdx := strings.Index(rest, "@")
	if atIdx == -1 {
		return url
	}
	return url[:schemeIdx+3] + "***" + rest[atIdx:]
}
