package naming

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var namePattern = regexp.MustCompile(`^[0-9a-f]{32}`)

func TestGenerateFormat(t *testing.T) {
	name, err := Generate(".jpg")
	require.NoError(t, err)
	require.Len(t, name, 36)
	require.Regexp(t, namePattern, name)
	require.True(t, strings.HasSuffix(name, ".jpg"), "extension should be kept")
}

func TestGenerateWithoutExtension(t *testing.T) {
	name, err := Generate("")
	require.NoError(t, err)
	require.Len(t, name, 32)
}

func TestGenerateUnique(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)

	for i := 0; i < n; i++ {
		name, err := Generate(".bin")
		require.NoError(t, err)
		_, dup := seen[name]
		require.Falsef(t, dup, "collision after %d names: %s", i, name)
		seen[name] = struct{}{}
	}
}

func TestExt(t *testing.T) {
	tests := map[string]string{
		"photo.jpeg":         ".jpeg",
		"archive.tar.gz":     ".gz",
		"README":             "",
		"dir.d/file":         "",
		"C:/uploads/cat.png": ".png",
		".hidden":            ".hidden",
	}

	for in, want := range tests {
		require.Equalf(t, want, Ext(in), "Ext(%q)", in)
	}
}
