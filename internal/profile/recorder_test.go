// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jouletrace/jouletrace/internal/timer"
)

func TestRecorderMark(t *testing.T) {
	r := NewRecorder(timer.New())
	r.Open("s1")

	assert.True(t, r.Mark("s1", Checkpoint{ID: "cp1", Type: FunctionEnter, Name: "main"}))
	assert.True(t, r.Mark("s1", Checkpoint{ID: "cp2", Type: FunctionExit, Name: "main"}))
	assert.False(t, r.Mark("nope", Checkpoint{ID: "cp3"}))
	assert.Equal(t, 2, r.Count("s1"))

	cps, ok := r.Drain("s1")
	require.True(t, ok)
	require.Len(t, cps, 2)
	assert.Equal(t, "cp1", cps[0].ID)
	assert.Equal(t, "cp2", cps[1].ID)
	assert.Less(t, cps[0].At, cps[1].At)

	// Drained sessions reject further marks.
	assert.False(t, r.Mark("s1", Checkpoint{ID: "cp4"}))
	_, ok = r.Drain("s1")
	assert.False(t, ok)
}

func TestRecorderConcurrentMarks(t *testing.T) {
	r := NewRecorder(timer.New())
	r.Open("s1")

	const goroutines = 8
	const perGoroutine = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				r.Mark("s1", Checkpoint{ID: fmt.Sprintf("cp-%d-%d", g, i), Type: Expression})
			}
		}(g)
	}
	wg.Wait()

	cps, ok := r.Drain("s1")
	require.True(t, ok)
	assert.Len(t, cps, goroutines*perGoroutine)

	seen := make(map[string]bool, len(cps))
	for _, cp := range cps {
		assert.False(t, seen[cp.ID], "duplicate checkpoint %s", cp.ID)
		seen[cp.ID] = true
	}
}

func TestRecorderSessionsIndependent(t *testing.T) {
	r := NewRecorder(timer.New())
	r.Open("a")
	r.Open("b")

	r.Mark("a", Checkpoint{ID: "a1"})
	r.Mark("b", Checkpoint{ID: "b1"})
	r.Mark("b", Checkpoint{ID: "b2"})

	a, _ := r.Drain("a")
	b, _ := r.Drain("b")
	assert.Len(t, a, 1)
	assert.Len(t, b, 2)
}
