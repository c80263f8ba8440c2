package epub

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// UpdateLanguage rewrites the OPF package of an unpacked EPUB so that its
// dc:language reflects the translation target and the title carries the
// language code. The edit is a byte splice into the original document, so
// elements and attributes outside the two touched spans (cover meta entries,
// descriptions, manifest item properties) are preserved exactly. Used after
// full-run reassembly only.
func UpdateLanguage(workDir, targetLang string, logger *logrus.Logger) error {
	containerPath := filepath.Join(workDir, "META-INF", "container.xml")
	data, err := os.ReadFile(containerPath)
	if err != nil {
		return fmt.Errorf("reading container.xml: %w", err)
	}

	var container Container
	if err := xml.Unmarshal(data, &container); err != nil {
		return fmt.Errorf("parsing container.xml: %w", err)
	}
	if len(container.Rootfiles) == 0 {
		return fmt.Errorf("no rootfiles found in container.xml")
	}

	packagePath := filepath.Join(workDir, filepath.FromSlash(container.Rootfiles[0].FullPath))
	data, err = os.ReadFile(packagePath)
	if err != nil {
		return fmt.Errorf("reading package file: %w", err)
	}

	updated, err := editPackageXML(data, targetLang)
	if err != nil {
		return fmt.Errorf("editing package file: %w", err)
	}

	if err := os.WriteFile(packagePath, updated, 0644); err != nil {
		return fmt.Errorf("writing package file: %w", err)
	}

	logger.Debugf("Updated package metadata language to %s", targetLang)
	return nil
}

type spliceEdit struct {
	start, end  int
	replacement string
}

// editPackageXML replaces the dc:language content and appends the language
// code to a non-empty dc:title, leaving every other byte untouched.
func editPackageXML(data []byte, targetLang string) ([]byte, error) {
	langSpan, err := elementContentSpan(data, "language")
	if err != nil {
		return nil, err
	}
	if langSpan == nil {
		return nil, fmt.Errorf("no dc:language element in package metadata")
	}

	edits := []spliceEdit{{start: langSpan[0], end: langSpan[1], replacement: targetLang}}

	titleSpan, err := elementContentSpan(data, "title")
	if err != nil {
		return nil, err
	}
	if titleSpan != nil && titleSpan[1] > titleSpan[0] {
		edits = append(edits, spliceEdit{
			start:       titleSpan[1],
			end:         titleSpan[1],
			replacement: fmt.Sprintf(" (%s)", strings.ToUpper(targetLang)),
		})
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })

	var out bytes.Buffer
	pos := 0
	for _, e := range edits {
		out.Write(data[pos:e.start])
		out.WriteString(e.replacement)
		pos = e.end
	}
	out.Write(data[pos:])
	return out.Bytes(), nil
}

// elementContentSpan locates the first element with the given local name and
// returns the [start, end) byte offsets of its content. A missing or
// self-closing element yields nil.
func elementContentSpan(data []byte, local string) (*[2]int, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	start := -1
	depth := 0
	for {
		tok, err := d.RawToken()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if start >= 0 {
				depth++
				continue
			}
			if t.Name.Local == local {
				start = int(d.InputOffset())
			}
		case xml.EndElement:
			if start < 0 {
				continue
			}
			if depth > 0 {
				depth--
				continue
			}
			end := int(d.InputOffset())
			// Back up from the end of the closing tag to its "</".
			rel := bytes.LastIndex(data[start:end], []byte("</"))
			if rel < 0 {
				return nil, nil
			}
			return &[2]int{start, start + rel}, nil
		}
	}
}
