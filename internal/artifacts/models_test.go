package artifacts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	template := filepath.Join(t.TempDir(), "template.qcow2")
	require.NoError(t, os.WriteFile(template, []byte("0123456789"), 0o444))

	rec := NewTemplateRecord(template)
	rec.Arch = "x86_64"
	rec.Service = "docker"
	rec.BuildDuration = 42 * time.Minute
	require.NoError(t, SaveRecord(template, rec))

	loaded, err := LoadRecord(template)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, rec.ID, loaded.ID)
	assert.Equal(t, int64(10), loaded.SizeBytes)
	assert.Equal(t, 42*time.Minute, loaded.BuildDuration)
	assert.Equal(t, "file://"+template, loaded.URI)

	path, err := PathFromURI(loaded.URI)
	require.NoError(t, err)
	assert.Equal(t, template, path)

	require.NoError(t, RemoveRecord(template))
	require.NoError(t, RemoveRecord(template))
	loaded, err = LoadRecord(template)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveRecordRequiresID(t *testing.T) {
	assert.Error(t, SaveRecord(filepath.Join(t.TempDir(), "t.qcow2"), TemplateRecord{}))
}

func TestPathFromURIRejectsOtherSchemes(t *testing.T) {
	_, err := PathFromURI("https://example.com/template.qcow2")
	assert.Error(t, err)
}

func TestRecordDescribes(t *testing.T) {
	dir := t.TempDir()
	rec := NewTemplateRecord(filepath.Join(dir, "template.qcow2"))

	assert.True(t, rec.Describes(filepath.Join(dir, "template.qcow2")))
	assert.True(t, rec.Describes(filepath.Join(dir, "sub", "..", "template.qcow2")))
	assert.False(t, rec.Describes(filepath.Join(dir, "moved.qcow2")))
	assert.False(t, TemplateRecord{URI: "https://example.com/t.qcow2"}.Describes("t.qcow2"))
}
