package archive

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestZipAndUnzip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "export.csv"), "id,title\n1,A\n")
	writeFile(t, filepath.Join(src, "files", "1_scan.tif"), "bytes")

	dst := filepath.Join(t.TempDir(), "out", "export.zip")
	if err := Zip(src, dst); err != nil {
		t.Fatalf("Zip: %v", err)
	}

	names, err := List(dst)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "export.csv,files/1_scan.tif" {
		t.Errorf("names = %v", names)
	}

	data, err := ReadFile(dst, "export.csv")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "id,title\n1,A\n" {
		t.Errorf("export.csv = %q", data)
	}

	out := t.TempDir()
	if err := Unzip(dst, out); err != nil {
		t.Fatalf("Unzip: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(out, "files", "1_scan.tif"))
	if err != nil {
		t.Fatalf("read extracted: %v", err)
	}
	if string(got) != "bytes" {
		t.Errorf("extracted = %q", got)
	}
}

func TestUnzip_RejectsTraversal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(src)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("x"))
	zw.Close()
	f.Close()

	err = Unzip(src, t.TempDir())
	if err == nil {
		t.Fatal("expected traversal error")
	}
	if !strings.Contains(err.Error(), "escapes destination") && !errors.Is(err, zip.ErrInsecurePath) {
		t.Errorf("error = %q", err)
	}
}

func TestZip_MissingSource(t *testing.T) {
	err := Zip(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "a.zip"))
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}
