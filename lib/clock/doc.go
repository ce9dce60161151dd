// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the channel layer. Session key
// rotation, request TTL checks, and the daemon's secret rotation ticker
// all depend on wall-clock time; injecting a Clock lets tests drive
// those paths deterministically with Fake instead of sleeping.
package clock
