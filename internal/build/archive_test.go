package build

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
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

func archiveEntries(t *testing.T, path string) map[string]bool {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	entries := make(map[string]bool)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		entries[header.Name] = true
	}
	return entries
}

func TestArchiveSkipsNodeModulesAndGit(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "index.html"), "<html>")
	writeFile(t, filepath.Join(src, "assets", "app.js"), "console.log(1)")
	writeFile(t, filepath.Join(src, "node_modules", "react", "index.js"), "module.exports")
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref: main")

	dest := filepath.Join(t.TempDir(), "bundle.tar.gz")
	result, err := Archive(src, dest)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if result.SizeBytes <= 0 {
		t.Fatal("archive has no size")
	}
	if result.SHA256 == "" {
		t.Fatal("archive has no content hash")
	}

	entries := archiveEntries(t, dest)
	if !entries["index.html"] || !entries["assets/app.js"] {
		t.Fatalf("expected project files in archive, got %v", entries)
	}
	for name := range entries {
		if name == "node_modules/" || name == ".git/" {
			t.Fatalf("skipped directory %q leaked into archive", name)
		}
	}
}

func TestArchiveExcludingOutputDir(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "package.json"), "{}")
	writeFile(t, filepath.Join(src, "dist", "index.html"), "<html>")

	dest := filepath.Join(t.TempDir(), "source.tar.gz")
	if _, err := ArchiveExcluding(src, dest, "dist"); err != nil {
		t.Fatalf("ArchiveExcluding: %v", err)
	}

	entries := archiveEntries(t, dest)
	if !entries["package.json"] {
		t.Fatal("package.json missing from source archive")
	}
	if entries["dist/"] || entries["dist/index.html"] {
		t.Fatal("excluded output dir leaked into source archive")
	}
}

func TestArchiveHashChangesWithContent(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "index.html"), "v1")
	destA := filepath.Join(t.TempDir(), "a.tar.gz")
	resultA, err := Archive(src, destA)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(src, "index.html"), "v2")
	destB := filepath.Join(t.TempDir(), "b.tar.gz")
	resultB, err := Archive(src, destB)
	if err != nil {
		t.Fatal(err)
	}

	if resultA.SHA256 == resultB.SHA256 {
		t.Fatal("content change must change the archive hash")
	}
}
