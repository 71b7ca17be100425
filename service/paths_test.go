package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortSlideIDsNumeric(t *testing.T) {
	ids := []string{"1.2", "1.10", "1.1", "10.1", "2.1", "bad"}
	SortSlideIDs(ids)
	assert.Equal(t, []string{"1.1", "1.2", "1.10", "2.1", "10.1", "bad"}, ids)
}

func TestProjectName(t *testing.T) {
	now := time.Date(2025, 9, 7, 20, 29, 3, 0, time.UTC)
	assert.Equal(t, "tpu_的发展历史_20250907_202903", ProjectName("tpu 的发展历史", now))
	assert.Equal(t, "a_b_20250907_202903", ProjectName("a/b", now))
	assert.Equal(t, "project_20250907_202903", ProjectName("  ", now))
}

func TestListSlideFiles(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"2.1.html", "1.10.html", "1.9.html", "notes.html", "1.1.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
	files, err := ListSlideFiles(dir)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{"1.9.html", "1.10.html", "2.1.html"}, names)
}

func TestSafeFileName(t *testing.T) {
	assert.True(t, SafeFileName("1.1.html"))
	assert.False(t, SafeFileName("../1.1.html"))
	assert.False(t, SafeFileName("a/b.html"))
	assert.False(t, SafeFileName("1.1.js"))
	assert.False(t, SafeFileName(""))
}
