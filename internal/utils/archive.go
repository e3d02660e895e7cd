package utils

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// ExtractTarGz extracts a tar.gz stream to the destination directory.
// Regular files and directories are restored with their permission bits;
// links and device nodes are skipped.
func ExtractTarGz(gzipStream io.Reader, destDir string) error {
	uncompressedStream, err := gzip.NewReader(gzipStream)
	if err != nil {
		return fmt.Errorf("ExtractTarGz: NewReader failed: %w", err)
	}
	defer uncompressedStream.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("ExtractTarGz: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("ExtractTarGz: Mkdir() failed: %w", err)
	}

	tarReader := tar.NewReader(uncompressedStream)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("ExtractTarGz: Next() failed: %w", err)
		}

		targetPath, err := safeJoin(root, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, dirMode(header)); err != nil {
				return fmt.Errorf("ExtractTarGz: Mkdir() failed: %w", err)
			}
		case tar.TypeReg:
			// Ensure parent directory exists
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("ExtractTarGz: Mkdir() for file failed: %w", err)
			}
			if err := writeEntry(tarReader, targetPath, header); err != nil {
				return err
			}
		default:
			// Links could point outside destDir; device nodes need root.
		}
	}

	return nil
}

func writeEntry(r io.Reader, targetPath string, header *tar.Header) error {
	mode := os.FileMode(header.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("ExtractTarGz: Create() failed: %w", err)
	}
	if _, err := io.Copy(outFile, r); err != nil {
		outFile.Close()
		return fmt.Errorf("ExtractTarGz: Copy() failed: %w", err)
	}
	return outFile.Close()
}

func dirMode(header *tar.Header) os.FileMode {
	if mode := os.FileMode(header.Mode).Perm(); mode != 0 {
		return mode | 0o700
	}
	return 0o755
}

func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
