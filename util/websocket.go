package util

import (
	"strings"
)

// WebsocketURLForHost converts an API host string into the matching
// websocket URL: https becomes wss and http becomes ws. Bare hostnames
// default to wss, except loopback addresses which get plain ws.
func WebsocketURLForHost(host string) string {
	if host == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(host, "ws://"), strings.HasPrefix(host, "wss://"):
		return host
	case strings.HasPrefix(host, "http://"):
		return "ws://" + strings.TrimPrefix(host, "http://")
	case strings.HasPrefix(host, "https://"):
		return "wss://" + strings.TrimPrefix(host, "https://")
	case strings.Contains(host, "://"):
		// don't mess with unexpected schemes
		return host
	}
	hostname := strings.SplitN(host, ":", 2)[0]
	if hostname == "localhost" || strings.HasPrefix(host, "127.0.0.") || strings.HasPrefix(host, "[::1]") {
		return "ws://" + host
	}
	return "wss://" + host
}
