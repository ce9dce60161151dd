// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the master configuration.
//
// Configuration is a single YAML file given explicitly to the daemon;
// there are no search paths or hidden overrides, so a deployment's
// behavior is fully determined by one auditable file. Defaults cover
// every key, and Validate rejects combinations the channel layer
// cannot honor before anything binds a socket.
package config
