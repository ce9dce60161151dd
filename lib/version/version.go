// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version stamped at link time.
package version

// version is overridden by the release build with
// -ldflags "-X github.com/muster-project/muster/lib/version.version=...".
var version = "dev"

// Info returns the version string for --version output and logs.
func Info() string { return version }
