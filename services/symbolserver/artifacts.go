package symbolserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"symbold/pkg/archive"
	gos3 "symbold/pkg/s3"
	"symbold/pkg/symbols"
)

// ErrArtifactNotFound is returned when a build has no artifact at the requested path.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactInfo describes a stored artifact of a build.
type ArtifactInfo struct {
	Path string
	Size int64
}

// ArtifactStore reads the published artifacts of builds. Paths may address
// entries of archive artifacts as "archive.zip!/inner/path".
type ArtifactStore interface {
	Open(ctx context.Context, buildID int64, artifactPath string) (io.ReadCloser, error)
	// List returns the artifacts stored below dir, or all artifacts when dir is empty.
	List(ctx context.Context, buildID int64, dir string) ([]ArtifactInfo, error)
}

// ObjectReader is the part of the S3 client the artifact store needs.
type ObjectReader interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	List(ctx context.Context, bucket, prefix string) ([]gos3.Object, error)
}

// S3ArtifactStore reads artifacts from the bucket the build publisher writes to.
type S3ArtifactStore struct {
	objects ObjectReader
	bucket  string
	tempDir string
}

func NewS3ArtifactStore(objects ObjectReader, bucket, tempDir string) (*S3ArtifactStore, error) {
	if objects == nil {
		return nil, errors.New("object reader is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &S3ArtifactStore{objects: objects, bucket: bucket, tempDir: tempDir}, nil
}

func (s *S3ArtifactStore) Open(ctx context.Context, buildID int64, artifactPath string) (io.ReadCloser, error) {
	artifactPath = strings.TrimLeft(artifactPath, "/")
	if artifactPath == "" {
		return nil, fmt.Errorf("%w: empty path", ErrArtifactNotFound)
	}
	name, inner, inArchive := symbols.SplitArchivePath(artifactPath)
	if !inArchive {
		return s.get(ctx, buildID, artifactPath)
	}

	switch archive.KindOf(name) {
	case archive.KindZip:
		return s.openZipEntry(ctx, buildID, name, inner)
	case archive.KindTarZstd:
		body, err := s.get(ctx, buildID, name)
		if err != nil {
			return nil, err
		}
		rc, err := archive.OpenTarZstdEntry(body, inner)
		if err != nil {
			body.Close()
			return nil, archiveError(artifactPath, err)
		}
		return &stackedCloser{Reader: rc, closers: []io.Closer{rc, body}}, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a supported archive", ErrArtifactNotFound, name)
	}
}

func (s *S3ArtifactStore) get(ctx context.Context, buildID int64, artifactPath string) (io.ReadCloser, error) {
	body, _, err := s.objects.GetObject(ctx, s.bucket, symbols.ArtifactKey(buildID, artifactPath))
	if errors.Is(err, gos3.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s of build %d", ErrArtifactNotFound, artifactPath, buildID)
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// openZipEntry spools the archive to disk since zip needs random access.
func (s *S3ArtifactStore) openZipEntry(ctx context.Context, buildID int64, name, inner string) (io.ReadCloser, error) {
	body, err := s.get(ctx, buildID, name)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(s.tempDir, "symbold-archive-*")
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	size, err := io.Copy(tmp, body)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("download %s: %w", name, err)
	}

	entry, err := archive.OpenZipEntry(tmp, size, inner)
	if err != nil {
		cleanup()
		return nil, archiveError(name+symbols.ArchiveSeparator+inner, err)
	}
	return &stackedCloser{Reader: entry, closers: []io.Closer{entry, closerFunc(func() error {
		cleanup()
		return nil
	})}}, nil
}

func archiveError(artifactPath string, err error) error {
	if errors.Is(err, archive.ErrEntryNotFound) {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactPath)
	}
	return err
}

func (s *S3ArtifactStore) List(ctx context.Context, buildID int64, dir string) ([]ArtifactInfo, error) {
	root := symbols.ArtifactsPrefix(buildID)
	prefix := root
	if dir = strings.Trim(dir, "/"); dir != "" {
		prefix += dir + "/"
	}
	objects, err := s.objects.List(ctx, s.bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list artifacts of build %d: %w", buildID, err)
	}
	infos := make([]ArtifactInfo, 0, len(objects))
	for _, obj := range objects {
		infos = append(infos, ArtifactInfo{Path: strings.TrimPrefix(obj.Key, root), Size: obj.Size})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// LocateArtifact finds the first visible artifact of a build whose name is
// fileName. Archive contents are not searched.
func LocateArtifact(ctx context.Context, store ArtifactStore, buildID int64, fileName string) (string, bool, error) {
	infos, err := store.List(ctx, buildID, "")
	if err != nil {
		return "", false, err
	}
	p, ok := locateIn(infos, fileName)
	return p, ok, nil
}

func locateIn(infos []ArtifactInfo, fileName string) (string, bool) {
	for _, info := range infos {
		if strings.HasPrefix(info.Path, symbols.HiddenDir+"/") || strings.HasPrefix(info.Path, symbols.SourcesDir+"/") {
			continue
		}
		if path.Base(info.Path) == fileName {
			return info.Path, true
		}
	}
	return "", false
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// stackedCloser closes every closer in order and reports the first failure.
type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (c *stackedCloser) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
