// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

// Package mountfs implements the read-only FUSE filesystem surface
// that exposes reposcache's generations as an ordinary directory
// tree: <mount>/<owner>/<repo>/... resolves through the repository's
// currently published generation, and every write-class operation
// returns EROFS.
package mountfs
