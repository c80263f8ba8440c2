package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// ErrConversionFailed marks a failed MOBI-to-EPUB conversion, including
// DRM-protected or corrupt sources, which the converter reports as a missing
// or empty output file.
var ErrConversionFailed = errors.New("conversion failed")

// calibreDefault is where macOS installs ebook-convert when it is not on PATH.
const calibreDefault = "/Applications/calibre.app/Contents/MacOS/ebook-convert"

// Converter invokes Calibre's ebook-convert as an opaque collaborator: input
// path and output path in, success or failure out.
type Converter struct {
	logger *logrus.Logger
}

func NewConverter(logger *logrus.Logger) *Converter {
	return &Converter{logger: logger}
}

func resolveEbookConvert() (string, error) {
	if path, err := exec.LookPath("ebook-convert"); err == nil {
		return path, nil
	}
	if _, err := os.Stat(calibreDefault); err == nil {
		return calibreDefault, nil
	}
	return "", fmt.Errorf("%w: ebook-convert not found; install Calibre or add it to PATH", ErrConversionFailed)
}

// ConvertToEPUB converts inputPath to an EPUB at outputPath.
func (c *Converter) ConvertToEPUB(ctx context.Context, inputPath, outputPath string) error {
	bin, err := resolveEbookConvert()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, bin, inputPath, outputPath,
		"--keep-ligatures",
		"--no-default-epub-cover",
		"--embed-all-fonts",
		"--pretty-print",
	)
	cmd.Stdout = c.logger.WriterLevel(logrus.DebugLevel)
	cmd.Stderr = c.logger.WriterLevel(logrus.DebugLevel)

	c.logger.Infof("Converting %s -> %s", inputPath, outputPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: ebook-convert: %v", ErrConversionFailed, err)
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: output EPUB missing or empty (possibly DRM or a corrupt source)", ErrConversionFailed)
	}

	return nil
}
