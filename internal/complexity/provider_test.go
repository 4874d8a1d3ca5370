package complexity_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ehudso7/omniaudit/internal/complexity"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMeasure_GoFile(t *testing.T) {
	src := `package main

import "fmt"

func main() {
	for i := 0; i < 10; i++ {
		if i%2 == 0 && i > 2 {
			fmt.Println(i)
		}
	}
}
`
	path := writeTempFile(t, "main.go", src)
	p := complexity.NewProvider(zaptest.NewLogger(t))

	m, err := p.Measure(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 11, m.LinesOfCode)
	// Straight-line path plus `for`, `if` and `&&`.
	assert.Equal(t, 4, m.CyclomaticComplexity)
	assert.Equal(t, 1, m.DependencyCount)
	assert.Equal(t, "Go", m.Language)
	assert.InDelta(t, 4*3.0+1*1.5+11*0.1, m.Score, 0.001)
}

func TestMeasure_FlatFileScoresLowerThanBranchyFile(t *testing.T) {
	flat := writeTempFile(t, "flat.py", "a = 1\nb = 2\nc = 3\nd = 4\n")
	branchy := writeTempFile(t, "branchy.py", "if a:\n    pass\nelif b:\n    pass\nwhile c:\n    pass\n")

	p := complexity.NewProvider(zaptest.NewLogger(t))
	mf, err := p.Measure(context.Background(), flat)
	require.NoError(t, err)
	mb, err := p.Measure(context.Background(), branchy)
	require.NoError(t, err)

	assert.Greater(t, mb.Score, mf.Score)
}

func TestMeasure_CountsLastLineWithoutNewline(t *testing.T) {
	path := writeTempFile(t, "no_trailing.go", "package x\nvar a = 1")
	p := complexity.NewProvider(zaptest.NewLogger(t))

	m, err := p.Measure(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.LinesOfCode)
}

func TestMeasure_MissingFile(t *testing.T) {
	p := complexity.NewProvider(zaptest.NewLogger(t))
	_, err := p.Measure(context.Background(), filepath.Join(t.TempDir(), "nope.go"))
	assert.Error(t, err)
}

func TestMeasure_CancelledContext(t *testing.T) {
	path := writeTempFile(t, "a.go", "package a\n")
	p := complexity.NewProvider(zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Measure(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMeasure_EmptyFile(t *testing.T) {
	path := writeTempFile(t, "empty.go", "")
	p := complexity.NewProvider(zaptest.NewLogger(t))

	m, err := p.Measure(context.Background(), path)
	require.NoError(t, err)
	assert.Zero(t, m.LinesOfCode)
	assert.Equal(t, 1, m.CyclomaticComplexity)
}
