// Package version tracks build metadata for the application.
package version

import (
	"fmt"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// String renders the metadata as a single line, omitting empty fields.
func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		out += " (" + i.Commit + ")"
	}
	if i.BuildTime != "" {
		out += " built " + i.BuildTime
	}
	return out
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set replaces the build metadata. An empty version falls back to "dev".
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

// Print writes "<program> <version>" to stdout.
func Print(program string) {
	fmt.Printf("%s %s\n", program, Current())
}
