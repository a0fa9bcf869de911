// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

package identifier

import (
	"fmt"
	"regexp"
	"strconv"
)

// generationPattern matches the on-disk generation directory name
// format: "gen-" followed by exactly six decimal digits.
var generationPattern = regexp.MustCompile(`^gen-([0-9]{6})$`)

// GenerationId names one immutable materialization of a repository.
// Generation numbers are monotonically increasing per RepoKey,
// starting at 1; zero is reserved and never assigned, so the zero
// value of GenerationId is recognizably invalid.
type GenerationId uint32

// FirstGeneration is the generation number assigned to a repository's
// first materialization.
const FirstGeneration GenerationId = 1

// Valid reports whether g is a real, assigned generation number.
func (g GenerationId) Valid() bool { return g != 0 }

// Next returns the generation immediately following g. Generation
// numbers are never reused, even after a generation is pruned, so
// Next is a pure increment rather than a search for a free slot.
func (g GenerationId) Next() GenerationId { return g + 1 }

// DirName returns the on-disk directory name for this generation,
// e.g. "gen-000042".
func (g GenerationId) DirName() string {
	return fmt.Sprintf("gen-%06d", uint32(g))
}

// ParseGenerationId parses a directory name produced by DirName back
// into a GenerationId.
func ParseGenerationId(dirName string) (GenerationId, error) {
	m := generationPattern.FindStringSubmatch(dirName)
	if m == nil {
		return 0, fmt.Errorf("invalid generation directory name %q", dirName)
	}
	n, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid generation directory name %q: %w", dirName, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid generation directory name %q: generation 0 is reserved", dirName)
	}
	return GenerationId(n), nil
}
