// Package contentloader resolves the document bytes for an execution,
// either inline content or a workspace-relative path.
package contentloader

import (
	"os"
	"path/filepath"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/pathsafe"
)

// Input is the content selector carried by parse/execute requests.
// Exactly one of Content or Path must be set.
type Input struct {
	Content  string `json:"content,omitempty"`
	Path     string `json:"path,omitempty"`
	BasePath string `json:"basePath,omitempty"`
}

// Loaded is the resolved document.
type Loaded struct {
	Content string
	// Source is the workspace-relative path when loaded from disk,
	// "inline" otherwise.
	Source string
	// BaseDir is the absolute directory used to resolve relative body
	// file references.
	BaseDir string
}

// Load materializes the document. Path and BasePath are validated
// against the workspace root before any file I/O.
func Load(root string, in Input) (Loaded, error) {
	if in.Content != "" && in.Path != "" {
		return Loaded{}, errdefs.New(errdefs.CodeValidation, "content and path are mutually exclusive")
	}
	if in.Content == "" && in.Path == "" {
		return Loaded{}, errdefs.New(errdefs.CodeContentOrPath, "one of content or path is required")
	}

	if in.Path != "" {
		if err := pathsafe.Resolve(root, in.Path); err != nil {
			return Loaded{}, err
		}
		abs := filepath.Join(root, filepath.FromSlash(in.Path))
		b, err := os.ReadFile(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return Loaded{}, errdefs.Newf(errdefs.CodeFileNotFound, "file %q not found", in.Path)
			}
			return Loaded{}, errdefs.Wrap(errdefs.CodeExecute, "read document", err)
		}
		return Loaded{
			Content: string(b),
			Source:  in.Path,
			BaseDir: filepath.Dir(abs),
		}, nil
	}

	baseDir := root
	if in.BasePath != "" {
		if err := pathsafe.Resolve(root, in.BasePath); err != nil {
			return Loaded{}, err
		}
		baseDir = filepath.Join(root, filepath.FromSlash(in.BasePath))
	}
	return Loaded{
		Content: in.Content,
		Source:  "inline",
		BaseDir: baseDir,
	}, nil
}

// LoadBodyFile reads a request body file referenced from a document,
// constrained to the workspace root.
func LoadBodyFile(root, baseDir, ref string) ([]byte, error) {
	abs := ref
	if !filepath.IsAbs(ref) {
		abs = filepath.Join(baseDir, filepath.FromSlash(ref))
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return nil, errdefs.Newf(errdefs.CodePathOutsideRoot, "body file %q escapes the workspace", ref)
	}
	if err := pathsafe.Resolve(root, filepath.ToSlash(rel)); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Newf(errdefs.CodeFileNotFound, "body file %q not found", ref)
		}
		return nil, errdefs.Wrap(errdefs.CodeExecute, "read body file", err)
	}
	return b, nil
}
