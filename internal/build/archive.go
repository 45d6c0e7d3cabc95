package build

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// archiveSkip lists directory names never worth shipping.
var archiveSkip = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// ArchiveResult describes a written tar.gz archive.
type ArchiveResult struct {
	Path      string
	SizeBytes int64
	SHA256    string
}

// Archive packs srcDir into a gzip-compressed tarball at destPath and
// returns its size and content hash. node_modules and .git are excluded;
// symlinks are stored as links, never followed.
func Archive(srcDir, destPath string) (*ArchiveResult, error) {
	return archive(srcDir, destPath, "")
}

// ArchiveExcluding packs srcDir while also skipping the named top-level
// directory, typically the build output when archiving sources.
func ArchiveExcluding(srcDir, destPath, excludeDir string) (*ArchiveResult, error) {
	return archive(srcDir, destPath, filepath.Clean(excludeDir))
}

func archive(srcDir, destPath, excludeRel string) (*ArchiveResult, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(out, hasher))
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && (archiveSkip[d.Name()] || (excludeRel != "" && rel == excludeRel)) {
			return filepath.SkipDir
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if walkErr != nil {
		return nil, fmt.Errorf("archive %s: %w", srcDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finalize gzip: %w", err)
	}

	stat, err := out.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	return &ArchiveResult{
		Path:      destPath,
		SizeBytes: stat.Size(),
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
