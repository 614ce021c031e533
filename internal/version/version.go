// Package version carries the build version stamped into webhook
// User-Agent headers and the metrics endpoint.
package version

// Version is overridden at build time via -ldflags.
var Version = "1.0.0"

// UserAgent is the value sent on outbound webhook deliveries.
func UserAgent() string {
	return "rijan-wa/" + Version
}
