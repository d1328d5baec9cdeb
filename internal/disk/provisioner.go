package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cochaviz/keel/internal/config"
	"github.com/cochaviz/keel/internal/logging"
)

// Method records how an ephemeral disk was derived from the template.
type Method string

const (
	MethodOverlay Method = "overlay"
	MethodCopy    Method = "copy"
)

// Provisioner creates, finalizes and removes guest disks. It never writes to
// a template path except through Finalize.
type Provisioner struct {
	// QemuImg is the qemu-img binary; looked up on PATH when empty.
	QemuImg string
	Logger  *slog.Logger
}

// Prepare creates a fresh ephemeral disk at diskPath backed by templatePath.
// A stale disk at diskPath is removed first. When the overlay cannot be
// created the template is copied byte for byte instead.
func (p *Provisioner) Prepare(ctx context.Context, templatePath, diskPath string) (Method, error) {
	logger := logging.Ensure(p.Logger).With("component", "disk", "disk", diskPath)

	templateAbs, err := filepath.Abs(templatePath)
	if err != nil {
		return "", fmt.Errorf("resolve template path %q: %w", templatePath, err)
	}
	info, err := os.Stat(templateAbs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", config.Missing("template image", templateAbs)
		}
		return "", fmt.Errorf("stat template %q: %w", templateAbs, err)
	}
	if !info.Mode().IsRegular() {
		return "", &config.PreconditionError{What: fmt.Sprintf("template %s is not a regular file", templateAbs)}
	}

	if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
		return "", fmt.Errorf("create disk directory: %w", err)
	}
	if err := p.Remove(diskPath); err != nil {
		return "", err
	}

	overlayErr := p.qemuImg(ctx, "create", "-f", "qcow2", "-b", templateAbs, "-F", "qcow2", diskPath)
	if overlayErr == nil {
		logger.Info("ephemeral disk created", "method", MethodOverlay, "template", templateAbs)
		return MethodOverlay, nil
	}
	logger.Warn("overlay creation failed, copying template", "error", overlayErr)

	if err := p.Remove(diskPath); err != nil {
		return "", err
	}
	if err := copyFile(templateAbs, diskPath, 0o644); err != nil {
		_ = os.Remove(diskPath)
		return "", fmt.Errorf("prepare disk: overlay failed (%v), copy failed: %w", overlayErr, err)
	}
	logger.Info("ephemeral disk created", "method", MethodCopy, "template", templateAbs, "size", info.Size())
	return MethodCopy, nil
}

// Create makes an empty qcow2 disk of the given size (qemu size syntax).
func (p *Provisioner) Create(ctx context.Context, path, size string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create disk directory: %w", err)
	}
	if err := p.Remove(path); err != nil {
		return err
	}
	if err := p.qemuImg(ctx, "create", "-f", "qcow2", path, size); err != nil {
		return fmt.Errorf("create disk %s: %w", path, err)
	}
	logging.Ensure(p.Logger).Info("build disk created", "component", "disk", "disk", path, "size", size)
	return nil
}

// Finalize moves a shut-down build disk onto the template path and makes it
// read-only. Both paths must be on the same filesystem.
func (p *Provisioner) Finalize(buildDisk, templatePath string) error {
	if _, err := os.Stat(buildDisk); err != nil {
		return fmt.Errorf("stat build disk: %w", err)
	}
	if err := os.Rename(buildDisk, templatePath); err != nil {
		return fmt.Errorf("move build disk onto template: %w", err)
	}
	if err := os.Chmod(templatePath, 0o444); err != nil {
		return fmt.Errorf("mark template read-only: %w", err)
	}
	logging.Ensure(p.Logger).Info("template finalized", "component", "disk", "template", templatePath)
	return nil
}

// Remove deletes path. A missing file is not an error.
func (p *Provisioner) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (p *Provisioner) qemuImg(ctx context.Context, args ...string) error {
	binary := p.QemuImg
	if binary == "" {
		binary = "qemu-img"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", binary, err)
	}
	output, err := exec.CommandContext(ctx, resolved, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
