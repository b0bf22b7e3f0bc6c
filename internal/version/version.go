// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version holds the build version of the broker.
package version

// Version is the broker version, overridden at build time with
// -ldflags "-X github.com/devsecops-labs/credbroker/internal/version.Version=...".
var Version = "dev"
