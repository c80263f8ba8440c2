package epub

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

// ErrNoParser marks a markup file that could not be turned into a tree at all.
// The HTML5 algorithm recovers from malformed input, so in practice this only
// surfaces on I/O failures.
var ErrNoParser = errors.New("no parser available")

// skipTags are element types whose direct text content is never translatable.
var skipTags = map[string]bool{
	"script": true,
	"style":  true,
	"head":   true,
	"svg":    true,
	"math":   true,
}

// FragmentKind distinguishes text-node fragments from attribute fragments.
type FragmentKind int

const (
	NodeFragment FragmentKind = iota
	AttrFragment
)

// Document is one parsed markup file of the working tree. It owns its nodes;
// fragment handles into it are never shared across documents.
type Document struct {
	RelPath  string
	absPath  string
	doc      *goquery.Document
	modified bool
}

// Modified reports whether any fragment of this document has been replaced.
func (d *Document) Modified() bool {
	return d.modified
}

// Fragment is one unit of translatable text: a text node's content or an
// image's alternative text. Index is the 0-based global sequence position.
type Fragment struct {
	Index int
	Doc   *Document
	Node  *html.Node
	Kind  FragmentKind
	Text  string
}

// Extraction holds every parsed document of a working tree together with the
// global ordered fragment list spanning all of them.
type Extraction struct {
	Documents []*Document
	Fragments []Fragment
}

// Texts returns the raw text of every fragment, in sequence order.
func (e *Extraction) Texts() []string {
	texts := make([]string, len(e.Fragments))
	for i, frag := range e.Fragments {
		texts[i] = frag.Text
	}
	return texts
}

type Extractor struct {
	logger *logrus.Logger
}

func NewExtractor(logger *logrus.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// ExtractTree parses every markup document under root and collects the global
// fragment list: documents in sorted walk order, each document's text-node
// fragments before its alt fragments.
//
// previewLimit > 0 caps the list at that many fragments. The cutoff is a
// single global counter checked after every yielded fragment: the scan stops
// mid-document, and a document's alt scan only starts while the limit has not
// been reached.
func (e *Extractor) ExtractTree(root string, previewLimit int) (*Extraction, error) {
	files, err := findMarkupFiles(root)
	if err != nil {
		return nil, err
	}
	e.logger.Debugf("Found %d markup files under %s", len(files), root)

	ex := &Extraction{}
	for _, relPath := range files {
		doc, err := ParseDocument(filepath.Join(root, relPath), relPath)
		if err != nil {
			return nil, err
		}
		ex.Documents = append(ex.Documents, doc)

		for _, node := range textNodes(doc) {
			ex.Fragments = append(ex.Fragments, Fragment{
				Index: len(ex.Fragments),
				Doc:   doc,
				Node:  node,
				Kind:  NodeFragment,
				Text:  node.Data,
			})
			if previewLimit > 0 && len(ex.Fragments) >= previewLimit {
				return ex, nil
			}
		}

		for _, node := range altNodes(doc) {
			ex.Fragments = append(ex.Fragments, Fragment{
				Index: len(ex.Fragments),
				Doc:   doc,
				Node:  node,
				Kind:  AttrFragment,
				Text:  attrValue(node, "alt"),
			})
			if previewLimit > 0 && len(ex.Fragments) >= previewLimit {
				return ex, nil
			}
		}
	}

	return ex, nil
}

// findMarkupFiles returns the relative paths of all markup documents under
// root, in deterministic sorted walk order.
func findMarkupFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".xhtml", ".html", ".htm":
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning working tree: %w", err)
	}
	return files, nil
}

// ParseDocument reads and parses one markup file into a live tree.
func ParseDocument(absPath, relPath string) (*Document, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNoParser, relPath, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrNoParser, relPath, err)
	}

	return &Document{
		RelPath: relPath,
		absPath: absPath,
		doc:     doc,
	}, nil
}

// textNodes walks the tree depth-first and returns every translatable text
// node: non-blank text whose nearest element ancestor is not in skipTags.
// Comments never yield text.
func textNodes(d *Document) []*html.Node {
	var nodes []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			parent := nearestElement(n)
			if parent != nil && skipTags[strings.ToLower(parent.Data)] {
				return
			}
			if strings.TrimSpace(n.Data) != "" {
				nodes = append(nodes, n)
			}
			return
		}
		if n.Type == html.CommentNode {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.doc.Get(0))
	return nodes
}

func nearestElement(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return p
		}
	}
	return nil
}

// altNodes returns every img element carrying a non-blank alt attribute, in
// document order.
func altNodes(d *Document) []*html.Node {
	var nodes []*html.Node
	d.doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		alt, exists := s.Attr("alt")
		if exists && strings.TrimSpace(alt) != "" {
			nodes = append(nodes, s.Get(0))
		}
	})
	return nodes
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
