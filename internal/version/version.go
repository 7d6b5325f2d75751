// Package version carries the build stamp injected with -ldflags and the
// payload both services report on /v1/version.
package version

import "runtime"

// Set at link time: -X icfesprep/internal/version.Version=v1.4.0
var (
	Version   = "dev"
	Commit    = "dev"
	BuildTime = "unknown"
)

// Info is the JSON body served by the version endpoints
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

// Get returns the build stamp for the named service
func Get(service string) Info {
	return Info{
		Service:   service,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// IsRelease reports whether the binary was stamped at build time
func IsRelease() bool {
	return Version != "dev" && Commit != "dev"
}
