package cistatsd

import (
	"regexp"
	"strings"
)

const maxHostnameLength = 255

var (
	hostnameRegexp = regexp.MustCompile(`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9])$`)

	localHostnames = []string{
		"localhost",
		"localhost.localdomain",
		"localhost6.localdomain6",
		"ip6-localhost",
	}
)

// IsValidHostname reports whether hostname can be reported to the backend.
// It follows RFC 1123 and rejects the usual loopback names, which would make
// every agent report as the same host.
func IsValidHostname(hostname string) bool {
	if hostname == "" || len(hostname) > maxHostnameLength {
		return false
	}
	for _, local := range localHostnames {
		if strings.EqualFold(hostname, local) {
			return false
		}
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) > 63 {
			return false
		}
	}
	return hostnameRegexp.MatchString(hostname)
}
