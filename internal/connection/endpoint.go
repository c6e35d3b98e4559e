package connection

import (
	"net/url"
	"strings"
)

// anonymousEndpoints are public test brokers that reject or ignore credentials.
var anonymousEndpoints = map[string]struct{}{
	"test.mosquitto.org":      {},
	"broker.hivemq.com":       {},
	"broker.emqx.io":          {},
	"mqtt.eclipseprojects.io": {},
	"demo.thingsboard.io":     {},
}

// IsAnonymousEndpoint reports whether serverURI points at a known public
// anonymous test broker.
func IsAnonymousEndpoint(serverURI string) bool {
	u, err := url.Parse(serverURI)
	if err != nil {
		return false
	}
	_, ok := anonymousEndpoints[strings.ToLower(u.Hostname())]
	return ok
}
