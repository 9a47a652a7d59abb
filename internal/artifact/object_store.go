package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/ocrflow/ocrflow/internal/storage"
)

// manifest object written last; its presence marks the output set as
// published. Readers check it before serving any output object.
const publishedMarker = "outputs/.published"

// ObjectStore keeps job artifacts in an S3-compatible bucket under a
// per-job key prefix. S3 has no atomic multi-object rename, so publish
// writes every output first and the marker object last.
type ObjectStore struct {
	client *storage.Client
	prefix string
}

func NewObjectStore(client *storage.Client, prefix string) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "jobs"
	}
	return &ObjectStore{client: client, prefix: prefix}, nil
}

func (s *ObjectStore) key(id string, parts ...string) string {
	all := append([]string{s.prefix, sanitizeToken(id)}, parts...)
	return path.Join(all...)
}

func (s *ObjectStore) Allocate(ctx context.Context, id string) error {
	marker := s.key(id, ".allocated")
	exists, err := s.client.ObjectExists(ctx, marker)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}
	return s.client.WriteObject(ctx, marker, []byte{}, "application/octet-stream")
}

func (s *ObjectStore) allocated(ctx context.Context, id string) error {
	exists, err := s.client.ObjectExists(ctx, s.key(id, ".allocated"))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *ObjectStore) WriteInput(ctx context.Context, id string, data []byte) error {
	if err := s.allocated(ctx, id); err != nil {
		return err
	}
	return s.client.WriteObject(ctx, s.key(id, inputFilename), data, "application/pdf")
}

func (s *ObjectStore) ReadInput(ctx context.Context, id string) ([]byte, error) {
	return s.readObject(ctx, s.key(id, inputFilename))
}

func (s *ObjectStore) WritePageImages(ctx context.Context, id string, pages [][]byte) error {
	for i, page := range pages {
		name := fmt.Sprintf("page_%04d.png", i+1)
		if err := s.client.WriteObject(ctx, s.key(id, pagesDirname, name), page, "image/png"); err != nil {
			return err
		}
	}
	return nil
}

func (s *ObjectStore) WriteOutputs(ctx context.Context, id string, out Outputs) error {
	if err := s.allocated(ctx, id); err != nil {
		return err
	}

	writes := []struct {
		key         string
		data        []byte
		contentType string
	}{
		{s.key(id, outputsDirname, "output.mmd"), out.Markdown, "text/markdown"},
		{s.key(id, outputsDirname, "output_det.mmd"), out.MarkdownDet, "text/markdown"},
		{s.key(id, outputsDirname, "output_layouts.pdf"), out.LayoutPDF, "application/pdf"},
	}
	for name, data := range out.Images {
		if !validImageName(name) {
			return fmt.Errorf("invalid image name %q", name)
		}
		writes = append(writes, struct {
			key         string
			data        []byte
			contentType string
		}{s.key(id, outputsDirname, imagesDirname, name), data, "image/jpeg"})
	}

	for _, w := range writes {
		if err := s.client.WriteObject(ctx, w.key, w.data, w.contentType); err != nil {
			return err
		}
	}

	return s.client.WriteObject(ctx, s.key(id, publishedMarker), []byte{}, "application/octet-stream")
}

func (s *ObjectStore) published(ctx context.Context, id string) error {
	exists, err := s.client.ObjectExists(ctx, s.key(id, publishedMarker))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *ObjectStore) ReadOutput(ctx context.Context, id string, kind Kind) ([]byte, error) {
	name, ok := outputFilename(kind)
	if !ok {
		return nil, ErrNotFound
	}
	if err := s.published(ctx, id); err != nil {
		return nil, err
	}
	return s.readObject(ctx, s.key(id, outputsDirname, name))
}

func (s *ObjectStore) ListImages(ctx context.Context, id string) ([]string, error) {
	if err := s.published(ctx, id); err != nil {
		return nil, err
	}

	prefix := s.key(id, outputsDirname, imagesDirname) + "/"
	keys, err := s.client.ListPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if validImageName(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *ObjectStore) ReadImage(ctx context.Context, id, name string) ([]byte, error) {
	if !validImageName(name) {
		return nil, ErrNotFound
	}
	if err := s.published(ctx, id); err != nil {
		return nil, err
	}
	return s.readObject(ctx, s.key(id, outputsDirname, imagesDirname, name))
}

func (s *ObjectStore) Remove(ctx context.Context, id string) error {
	return s.client.RemovePrefix(ctx, s.key(id)+"/")
}

func (s *ObjectStore) readObject(ctx context.Context, key string) ([]byte, error) {
	exists, err := s.client.ObjectExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	data, err := s.client.ReadObject(ctx, key)
	if errors.Is(err, storage.ErrObjectMissing) {
		return nil, ErrNotFound
	}
	return data, err
}
