package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iago/meeting-pipeline/internal/domain"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyExists   = errors.New("job already exists")
	ErrInvalidJobID    = errors.New("invalid job id")
	ErrUnknownArtifact = errors.New("unknown artifact kind")
)

const (
	metadataFile    = "meta.json"
	inputPrefix     = "input"
	tombstonePrefix = ".deleted-"
	tempPrefix      = ".tmp-"
)

var artifactFiles = map[domain.ArtifactKind]string{
	domain.ArtifactTranscript:   "transcript.json",
	domain.ArtifactSummary:      "summary.json",
	domain.ArtifactSummaryError: "summary.error.json",
}

var textMirrors = map[domain.ArtifactKind]string{
	domain.ArtifactTranscript: "transcript.txt",
	domain.ArtifactSummary:    "summary.txt",
}

// FileStore keeps one directory per job under root. Every write goes through a
// temp file in the same directory followed by a rename, so readers observe either
// the previous file or the complete new one.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("job store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create job store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Create(_ context.Context, jobID string) error {
	dir, err := s.dir(jobID)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create job dir: %w", err)
	}
	return nil
}

func (s *FileStore) Exists(_ context.Context, jobID string) bool {
	dir, err := s.dir(jobID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// WriteInput stores the uploaded audio as input<ext>, keeping the original extension.
func (s *FileStore) WriteInput(ctx context.Context, jobID, filename string, body io.Reader) (string, int64, error) {
	dir, err := s.existingDir(ctx, jobID)
	if err != nil {
		return "", 0, err
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "" || len(ext) > 10 {
		ext = ".bin"
	}
	target := filepath.Join(dir, inputPrefix+ext)

	tmp, err := os.CreateTemp(dir, tempPrefix+"input-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp input: %w", err)
	}
	size, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("write input: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("close input: %w", closeErr)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("commit input: %w", err)
	}
	return target, size, nil
}

// InputPath returns the original uploaded audio of the job.
func (s *FileStore) InputPath(ctx context.Context, jobID string) (string, error) {
	dir, err := s.existingDir(ctx, jobID)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read job dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, inputPrefix+".") {
			continue
		}
		return filepath.Join(dir, name), nil
	}
	return "", ErrNotFound
}

// WriteMetadata merges fields into meta.json. Existing keys that are not in fields are kept.
func (s *FileStore) WriteMetadata(ctx context.Context, jobID string, fields map[string]any) error {
	dir, err := s.existingDir(ctx, jobID)
	if err != nil {
		return err
	}

	merged, err := readMetadataFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return err
	}
	for key, value := range fields {
		merged[key] = value
	}

	encoded, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return writeFileAtomic(dir, metadataFile, encoded)
}

func (s *FileStore) ReadMetadata(ctx context.Context, jobID string) (map[string]any, error) {
	dir, err := s.existingDir(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return readMetadataFile(filepath.Join(dir, metadataFile))
}

func (s *FileStore) WriteArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind, value any) error {
	fileName, ok := artifactFiles[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArtifact, kind)
	}
	dir, err := s.existingDir(ctx, jobID)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	// The text mirror goes first so that the JSON artifact, which readers key off,
	// never appears without it.
	if mirror, ok := textMirrors[kind]; ok {
		if err := writeFileAtomic(dir, mirror, []byte(plainText(value))); err != nil {
			return err
		}
	}
	return writeFileAtomic(dir, fileName, encoded)
}

// ReadArtifact decodes the artifact into dst.
func (s *FileStore) ReadArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind, dst any) error {
	fileName, ok := artifactFiles[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArtifact, kind)
	}
	dir, err := s.existingDir(ctx, jobID)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", kind, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

func (s *FileStore) HasArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind) (bool, error) {
	fileName, ok := artifactFiles[kind]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownArtifact, kind)
	}
	dir, err := s.existingDir(ctx, jobID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(dir, fileName))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", kind, err)
}

// Delete removes the job. The directory is first renamed out of the visible
// namespace so that concurrent readers see the whole job or nothing.
func (s *FileStore) Delete(_ context.Context, jobID string) error {
	dir, err := s.dir(jobID)
	if err != nil {
		return err
	}
	tombstone := filepath.Join(s.root, tombstonePrefix+jobID)
	if err := os.Rename(dir, tombstone); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("detach job dir: %w", err)
	}
	if err := os.RemoveAll(tombstone); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// List returns job ids in lexical order. Callers sort by metadata when they need to.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) dir(jobID string) (string, error) {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" || trimmed != jobID || strings.HasPrefix(jobID, ".") ||
		strings.ContainsAny(jobID, `/\`) || jobID != filepath.Base(jobID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return filepath.Join(s.root, jobID), nil
}

func (s *FileStore) existingDir(ctx context.Context, jobID string) (string, error) {
	dir, err := s.dir(jobID)
	if err != nil {
		return "", err
	}
	if !s.Exists(ctx, jobID) {
		return "", ErrNotFound
	}
	return dir, nil
}

func readMetadataFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	metadata := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+name+"-*")
	if err != nil {
		return fmt.Errorf("create temp %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

func plainText(value any) string {
	switch typed := value.(type) {
	case domain.Transcript:
		return typed.Text
	case *domain.Transcript:
		return typed.Text
	case domain.Summary:
		return typed.PlainText()
	case *domain.Summary:
		return typed.PlainText()
	default:
		return ""
	}
}
