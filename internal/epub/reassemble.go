package epub

import (
	"bufio"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

// ReplacedPair records one original/translated alignment, used for the
// preview TSV table.
type ReplacedPair struct {
	Original   string
	Translated string
}

type Reassembler struct {
	logger *logrus.Logger
}

func NewReassembler(logger *logrus.Logger) *Reassembler {
	return &Reassembler{logger: logger}
}

// Apply splices translations back into the live trees. Fragments are walked
// in the extraction order; fragment i receives translations[i] for i < limit,
// fragments at or past the limit are left untouched (preview mode). Returns
// the alignment pairs for the fragments actually replaced.
func (r *Reassembler) Apply(fragments []Fragment, translations []string, limit int) ([]ReplacedPair, error) {
	if limit > len(fragments) {
		limit = len(fragments)
	}
	if limit > len(translations) {
		return nil, fmt.Errorf("have %d translations for %d replacements", len(translations), limit)
	}

	pairs := make([]ReplacedPair, 0, limit)
	for i := 0; i < limit; i++ {
		frag := fragments[i]
		translated := translations[i]

		switch frag.Kind {
		case NodeFragment:
			frag.Node.Data = translated
		case AttrFragment:
			setAttr(frag.Node, "alt", translated)
		}

		frag.Doc.modified = true
		pairs = append(pairs, ReplacedPair{Original: frag.Text, Translated: translated})
	}

	return pairs, nil
}

// WriteDocuments serializes every modified document back over its file in the
// working tree. Untouched documents are never rewritten, so their bytes stay
// identical to the unpacked original.
func (r *Reassembler) WriteDocuments(docs []*Document) error {
	for _, doc := range docs {
		if !doc.modified {
			continue
		}

		if err := writeDocument(doc); err != nil {
			return fmt.Errorf("writing %s: %w", doc.RelPath, err)
		}
		r.logger.Debugf("Rewrote document: %s", doc.RelPath)
	}
	return nil
}

func writeDocument(doc *Document) error {
	f, err := os.Create(doc.absPath)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	if err := html.Render(w, doc.doc.Get(0)); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
