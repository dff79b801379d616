// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version reports the build version of the binary.
package version

import "runtime/debug"

// version is set at link time with -ldflags "-X github.com/envoyproxy/credrefresh/internal/version.version=v1.2.3".
var version string

// Parse returns the link time version, then the module version from the build info, then "dev".
func Parse() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
