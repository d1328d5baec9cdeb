package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/keel/internal/config"
)

// AnswerFileName is the name Windows Setup scans removable media for.
const AnswerFileName = "autounattend.xml"

// WriteInstallMedia stages answerFile (renamed to AnswerFileName) and any
// extra files into dir/media and packs them into dir/<label>.iso. It returns
// the image path.
func WriteInstallMedia(dir, answerFile, label string, extra ...string) (string, error) {
	if _, err := os.Stat(answerFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", config.Missing("answer file", answerFile)
		}
		return "", fmt.Errorf("stat answer file: %w", err)
	}

	label = volumeLabel(label)
	stagingDir := filepath.Join(dir, "media")
	if err := os.RemoveAll(stagingDir); err != nil {
		return "", fmt.Errorf("clear media staging directory: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create media staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := copyFile(answerFile, filepath.Join(stagingDir, AnswerFileName), 0o644); err != nil {
		return "", fmt.Errorf("stage answer file: %w", err)
	}
	for _, src := range extra {
		if err := copyFile(src, filepath.Join(stagingDir, filepath.Base(src)), 0o644); err != nil {
			return "", fmt.Errorf("stage %s: %w", src, err)
		}
	}

	imagePath := filepath.Join(dir, strings.ToLower(label)+".iso")
	if err := writeISO(stagingDir, imagePath, label); err != nil {
		return "", err
	}
	return imagePath, nil
}

func writeISO(sourceDir, imagePath, label string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage media directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create media image: %w", err)
	}
	if err := writer.WriteTo(out, label); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write media image: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize media image: %w", err)
	}
	return nil
}

// volumeLabel upper-cases label and replaces anything outside [A-Z0-9_].
func volumeLabel(label string) string {
	const maxLen = 32

	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(label)) {
		if b.Len() >= maxLen {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "OEMDRV"
	}
	return b.String()
}
