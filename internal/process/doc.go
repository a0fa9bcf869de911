// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for reposcape
// binaries: fatal error reporting to stderr before the structured
// logger exists, and process exit after an unrecoverable error in
// main().
package process
