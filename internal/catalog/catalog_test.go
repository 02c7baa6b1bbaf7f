package catalog

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCatalog(t *testing.T) {
	c, err := Load("", "", rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	targets := c.Targets()
	require.Len(t, targets, 3)
	assert.Equal(t, "Cloudflare", targets[1].Name)
	assert.Equal(t, "", targets[1].UploadURL)

	names := map[string]bool{}
	for i := 0; i < 200; i++ {
		names[c.Select().Name] = true
	}
	assert.Len(t, names, 3)
}

func TestDefaultTarget(t *testing.T) {
	c, err := New(Builtin(), "ovh", nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, "OVH", c.Select().Name)
	}
	_, err = New(Builtin(), "missing", nil)
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	body := `
targets:
  - name: local
    country: XX
    city: Lab
    download_url: http://127.0.0.1:8000/blob
    upload_url: http://127.0.0.1:8000/sink
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	c, err := Load(path, "", nil)
	require.NoError(t, err)
	target, ok := c.Lookup("LOCAL")
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:8000/sink", target.UploadURL)
	assert.Equal(t, "local", c.Select().Name)
}

func TestNewRejectsInvalid(t *testing.T) {
	_, err := New(nil, "", nil)
	assert.Error(t, err)
	_, err = New([]TestTarget{{Name: "a"}}, "", nil)
	assert.ErrorContains(t, err, "download_url")
	_, err = New([]TestTarget{
		{Name: "a", DownloadURL: "http://x"},
		{Name: "A", DownloadURL: "http://y"},
	}, "", nil)
	assert.ErrorContains(t, err, "duplicate")
}
