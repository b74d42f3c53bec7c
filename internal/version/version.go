/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

import "runtime"

// Version is the current version of the broadcast service.
// This is set at build time via ldflags:
//
//	-X github.com/Metaroadcorp/snd-system-test/internal/version.Version=X.Y.Z
var Version = "0.4.0"

// Commit is the git revision the binary was built from.
var Commit = "unknown"

// Service is the name reported by health checks and logs.
const Service = "snd-system"

// Info describes the running build.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

// Current returns the build info of the running binary.
func Current() Info {
	return Info{
		Service:   Service,
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
	}
}
