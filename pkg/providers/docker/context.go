package docker

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// CheckContext verifies that dir exists and is a directory.
func CheckContext(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve context path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("context path %q does not exist: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("context path %q is not a directory", abs)
	}
	return nil
}

// createBuildContext streams dir as a tar archive.
func createBuildContext(dir string) (io.Reader, error) {
	if err := CheckContext(dir); err != nil {
		return nil, err
	}
	abs, _ := filepath.Abs(dir)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archiveDirectory(abs, pw, false))
	}()
	return pr, nil
}

// ContextDigest returns "sha256:<hex>" over the build context of dir. File
// names, modes and contents count; timestamps and ownership do not, so
// only an edit to the sources changes the digest.
func ContextDigest(dir string) (string, error) {
	if err := CheckContext(dir); err != nil {
		return "", err
	}
	abs, _ := filepath.Abs(dir)

	h := sha256.New()
	if err := archiveDirectory(abs, h, true); err != nil {
		return "", fmt.Errorf("failed to digest context %q: %w", abs, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// archiveDirectory writes dir as a tar stream in lexical order. A stable
// archive drops timestamps and ownership from the headers.
func archiveDirectory(dir string, w io.Writer, stable bool) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if stable {
			header.ModTime = time.Time{}
			header.AccessTime = time.Time{}
			header.ChangeTime = time.Time{}
			header.Uid, header.Gid = 0, 0
			header.Uname, header.Gname = "", ""
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
