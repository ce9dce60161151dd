// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Muster packages.
package testutil
