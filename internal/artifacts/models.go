package artifacts

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// TemplateRecord describes a finalized template image. It is stored next to
// the image as <template>.yaml.
type TemplateRecord struct {
	ID            string        `yaml:"id"`
	URI           string        `yaml:"uri"`
	Arch          string        `yaml:"arch"`
	DiskSize      string        `yaml:"disk_size"`
	SizeBytes     int64         `yaml:"size_bytes"`
	Service       string        `yaml:"service"`
	CreatedAt     time.Time     `yaml:"created_at"`
	BuildDuration time.Duration `yaml:"build_duration"`
}

// NewTemplateRecord stamps a record for the image at path with a fresh id.
func NewTemplateRecord(path string) TemplateRecord {
	return TemplateRecord{
		ID:        uuid.NewString(),
		URI:       FileURI(path),
		CreatedAt: time.Now().UTC(),
	}
}

// RecordPath is where the record for templatePath lives.
func RecordPath(templatePath string) string {
	return templatePath + ".yaml"
}

// SaveRecord writes rec beside templatePath, replacing any previous record.
func SaveRecord(templatePath string, rec TemplateRecord) error {
	if rec.ID == "" {
		return errors.New("template record id is required")
	}
	if info, err := os.Stat(templatePath); err == nil {
		rec.SizeBytes = info.Size()
	}

	payload, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal template record: %w", err)
	}
	path := RecordPath(templatePath)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write template record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store template record: %w", err)
	}
	return nil
}

// LoadRecord reads the record for templatePath. A missing record returns
// (nil, nil); templates built by hand have none.
func LoadRecord(templatePath string) (*TemplateRecord, error) {
	data, err := os.ReadFile(RecordPath(templatePath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read template record: %w", err)
	}
	var rec TemplateRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode template record: %w", err)
	}
	return &rec, nil
}

// RemoveRecord deletes the record for templatePath if present.
func RemoveRecord(templatePath string) error {
	if err := os.Remove(RecordPath(templatePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove template record: %w", err)
	}
	return nil
}

// Describes reports whether the record was written for the image at
// templatePath. Records copied along with a moved image do not.
func (r TemplateRecord) Describes(templatePath string) bool {
	recorded, err := PathFromURI(r.URI)
	if err != nil {
		return false
	}
	if abs, err := filepath.Abs(templatePath); err == nil {
		templatePath = abs
	}
	return filepath.Clean(recorded) == filepath.Clean(templatePath)
}

// FileURI converts a filesystem path into a file:// URI.
func FileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: path}).String()
}

// PathFromURI is the inverse of FileURI.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", fmt.Errorf("not a file:// URI: %q", uri)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", uri, err)
	}
	return parsed.Path, nil
}
