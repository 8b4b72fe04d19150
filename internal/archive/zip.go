// Package archive packages export directories and unpacks uploaded bags.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Zip writes every regular file under srcDir into a zip archive at dst, with
// slash separated paths relative to srcDir. dst must not be inside srcDir.
func Zip(srcDir, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("archive: create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", dst, err)
	}
	zw := zip.NewWriter(out)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if walkErr != nil {
		zw.Close()
		out.Close()
		return fmt.Errorf("archive: zip %s: %w", srcDir, walkErr)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("archive: finish %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("archive: close %s: %w", dst, err)
	}
	return nil
}

// Unzip extracts src into dstDir. Entries escaping dstDir are rejected.
func Unzip(src, dstDir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", src, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dstDir)
	if err != nil {
		return fmt.Errorf("archive: resolve %s: %w", dstDir, err)
	}
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive: entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archive: mkdir %s: %w", target, err)
			}
			continue
		}
		if err := extract(f, target); err != nil {
			return fmt.Errorf("archive: extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extract(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// List returns the entry names of a zip archive.
func List(src string) ([]string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", src, err)
	}
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names, nil
}

// ReadFile returns the contents of one entry of a zip archive.
func ReadFile(src, name string) ([]byte, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", src, err)
	}
	defer zr.Close()
	rc, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s in %s: %w", name, src, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
