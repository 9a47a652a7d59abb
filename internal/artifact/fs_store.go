package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	inputFilename  = "input.pdf"
	pagesDirname   = "pages"
	outputsDirname = "outputs"
	imagesDirname  = "images"
)

// FSStore keeps each job's artifacts in a directory under root. Outputs
// are staged in a temporary directory and published with a single rename,
// so readers see either no output set or a complete one.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) jobDir(id string) string {
	return filepath.Join(s.root, sanitizeToken(id))
}

func (s *FSStore) Allocate(_ context.Context, id string) error {
	dir := s.jobDir(id)
	if _, err := os.Stat(dir); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat job dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return nil
}

func (s *FSStore) WriteInput(_ context.Context, id string, data []byte) error {
	dir := s.jobDir(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("stat job dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, inputFilename), data, 0o644); err != nil {
		return fmt.Errorf("write input document: %w", err)
	}
	return nil
}

func (s *FSStore) ReadInput(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(id), inputFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read input document: %w", err)
	}
	return data, nil
}

func (s *FSStore) WritePageImages(_ context.Context, id string, pages [][]byte) error {
	dir := filepath.Join(s.jobDir(id), pagesDirname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pages dir: %w", err)
	}
	for i, page := range pages {
		name := fmt.Sprintf("page_%04d.png", i+1)
		if err := os.WriteFile(filepath.Join(dir, name), page, 0o644); err != nil {
			return fmt.Errorf("write page image %s: %w", name, err)
		}
	}
	return nil
}

func (s *FSStore) WriteOutputs(_ context.Context, id string, out Outputs) error {
	jobDir := s.jobDir(id)
	if _, err := os.Stat(jobDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("stat job dir: %w", err)
	}

	staging, err := os.MkdirTemp(jobDir, outputsDirname+".tmp-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	files := map[string][]byte{
		"output.mmd":         out.Markdown,
		"output_det.mmd":     out.MarkdownDet,
		"output_layouts.pdf": out.LayoutPDF,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(staging, name), data, 0o644); err != nil {
			return fmt.Errorf("stage output %s: %w", name, err)
		}
	}

	imagesDir := filepath.Join(staging, imagesDirname)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return fmt.Errorf("stage images dir: %w", err)
	}
	for name, data := range out.Images {
		if !validImageName(name) {
			return fmt.Errorf("invalid image name %q", name)
		}
		if err := os.WriteFile(filepath.Join(imagesDir, name), data, 0o644); err != nil {
			return fmt.Errorf("stage image %s: %w", name, err)
		}
	}

	// Single rename publishes the whole set.
	if err := os.Rename(staging, filepath.Join(jobDir, outputsDirname)); err != nil {
		return fmt.Errorf("publish outputs: %w", err)
	}
	return nil
}

func (s *FSStore) ReadOutput(_ context.Context, id string, kind Kind) ([]byte, error) {
	name, ok := outputFilename(kind)
	if !ok {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.jobDir(id), outputsDirname, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read output %s: %w", kind, err)
	}
	return data, nil
}

func (s *FSStore) ListImages(_ context.Context, id string) ([]string, error) {
	dir := filepath.Join(s.jobDir(id), outputsDirname, imagesDirname)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jpg") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSStore) ReadImage(_ context.Context, id, name string) ([]byte, error) {
	if !validImageName(name) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.jobDir(id), outputsDirname, imagesDirname, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", name, err)
	}
	return data, nil
}

func (s *FSStore) Remove(_ context.Context, id string) error {
	if err := os.RemoveAll(s.jobDir(id)); err != nil {
		return fmt.Errorf("remove job artifacts: %w", err)
	}
	return nil
}
