package generation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ArtifactKind distinguishes generated source from generated tests.
type ArtifactKind string

const (
	ArtifactCode ArtifactKind = "code"
	ArtifactTest ArtifactKind = "test"
)

// Artifact is a generated file: source code or its tests. Artifacts are
// superseded, never mutated; a new artifact with the same path overwrites
// the prior attempt on disk.
type Artifact struct {
	Kind    ArtifactKind
	Content string
	Path    string
}

// WriteError indicates a filesystem failure while persisting an artifact.
// Fatal to the run; a local disk fault is not expected to self-heal.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write artifact %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9\s]`)
	slugSpaces   = regexp.MustCompile(`\s+`)
)

// Slugify converts a requirement into a snake_case, filename-safe slug.
func Slugify(text string) string {
	text = strings.ToLower(text)
	text = nonSlugChars.ReplaceAllString(text, "")
	text = strings.Trim(slugSpaces.ReplaceAllString(text, "_"), "_")
	if len(text) > 50 {
		text = text[:50]
	}
	return text
}

// Writer persists artifacts under a fixed output directory with paths
// derived deterministically from the requirement slug, so fix iterations
// overwrite rather than accumulate.
type Writer struct {
	outputDir string
	slug      string
	ext       string
}

// NewWriter creates a writer for one requirement's artifacts. ext is the
// source file extension without the dot (e.g. "py").
func NewWriter(outputDir, requirement, ext string) *Writer {
	slug := Slugify(requirement)
	if slug == "" {
		slug = "requirement"
	}
	return &Writer{outputDir: outputDir, slug: slug, ext: ext}
}

// CodePath returns the deterministic path for the source artifact.
func (w *Writer) CodePath() string {
	return filepath.Join(w.outputDir, fmt.Sprintf("%s.%s", w.slug, w.ext))
}

// TestPath returns the deterministic path for the test artifact.
func (w *Writer) TestPath() string {
	return filepath.Join(w.outputDir, fmt.Sprintf("test_%s.%s", w.slug, w.ext))
}

// Write persists content for the given kind and returns the resulting
// artifact. Writing identical content to the same path is a no-op overwrite.
func (w *Writer) Write(kind ArtifactKind, content string) (*Artifact, error) {
	path := w.CodePath()
	if kind == ArtifactTest {
		path = w.TestPath()
	}

	if err := os.MkdirAll(w.outputDir, 0755); err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}

	return &Artifact{Kind: kind, Content: content, Path: path}, nil
}
