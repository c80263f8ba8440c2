package epub

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrArchiveRead marks failures while opening or extracting an EPUB container.
	ErrArchiveRead = errors.New("archive read error")
	// ErrArchiveWrite marks failures while building an EPUB container.
	ErrArchiveWrite = errors.New("archive write error")
)

// MimetypeEntry must be the first entry of an EPUB zip and stored uncompressed.
// Some readers reject archives that violate this.
const MimetypeEntry = "mimetype"

// Unpack extracts an EPUB archive into destDir, preserving relative paths.
func Unpack(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrArchiveRead, archivePath, err)
	}
	defer func() { _ = reader.Close() }()

	for _, file := range reader.File {
		if err := extractFile(file, destDir); err != nil {
			return fmt.Errorf("%w: extracting %s: %v", ErrArchiveRead, file.Name, err)
		}
	}

	return nil
}

func extractFile(file *zip.File, dest string) error {
	path := filepath.Join(dest, file.Name)

	// Reject entries that would escape the destination directory.
	if !strings.HasPrefix(path, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("illegal entry path: %s", file.Name)
	}

	if file.FileInfo().IsDir() {
		return os.MkdirAll(path, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	outFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = outFile.Close() }()

	_, err = io.Copy(outFile, rc)
	return err
}

// Repack builds an EPUB archive from srcDir. The mimetype entry, when present,
// is written first with its exact original bytes and no compression; all other
// files are deflated in sorted walk order.
func Repack(srcDir, archivePath string) error {
	zipFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrArchiveWrite, archivePath, err)
	}
	defer func() { _ = zipFile.Close() }()

	zipWriter := zip.NewWriter(zipFile)

	if err := writeMimetype(zipWriter, srcDir); err != nil {
		_ = zipWriter.Close()
		return fmt.Errorf("%w: %v", ErrArchiveWrite, err)
	}

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == MimetypeEntry {
			return nil
		}

		return addFileToZip(zipWriter, path, filepath.ToSlash(relPath))
	})
	if walkErr != nil {
		_ = zipWriter.Close()
		return fmt.Errorf("%w: %v", ErrArchiveWrite, walkErr)
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWrite, err)
	}
	return zipFile.Sync()
}

func writeMimetype(zipWriter *zip.Writer, srcDir string) error {
	content, err := os.ReadFile(filepath.Join(srcDir, MimetypeEntry))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	writer, err := zipWriter.CreateHeader(&zip.FileHeader{
		Name:   MimetypeEntry,
		Method: zip.Store,
	})
	if err != nil {
		return err
	}

	_, err = writer.Write(content)
	return err
}

func addFileToZip(zipWriter *zip.Writer, filePath, relPath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	writer, err := zipWriter.Create(relPath)
	if err != nil {
		return err
	}

	_, err = io.Copy(writer, file)
	return err
}
