package export

import (
	"bufio"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
)

const stageBufferSize = 256 << 10

// stagedFile is an artifact being written to a temporary file next to its
// final path.
type stagedFile struct {
	final   string
	format  string
	tmp     *os.File
	bw      *bufio.Writer
	digest  hash.Hash
	bytes   int64
	records int
	closed  bool
}

func stage(dir, name, format string) (*stagedFile, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return nil, ioFailure(filepath.Join(dir, name), err)
	}
	s := &stagedFile{
		final:  filepath.Join(dir, name),
		format: format,
		tmp:    tmp,
		digest: core.NewDigestHash(),
	}
	s.bw = bufio.NewWriterSize(io.MultiWriter(tmp, s.digest, countWriter{&s.bytes}), stageBufferSize)
	return s, nil
}

// Writer returns the buffered writer of the staged content.
func (s *stagedFile) Writer() *bufio.Writer {
	return s.bw
}

// finish flushes and syncs the temporary file.
func (s *stagedFile) finish() error {
	if err := s.bw.Flush(); err != nil {
		return ioFailure(s.final, err)
	}
	if err := s.tmp.Sync(); err != nil {
		return ioFailure(s.final, err)
	}
	s.closed = true
	if err := s.tmp.Close(); err != nil {
		return ioFailure(s.final, err)
	}
	return nil
}

// discard removes the temporary file.
func (s *stagedFile) discard() {
	if !s.closed {
		_ = s.tmp.Close()
		s.closed = true
	}
	_ = os.Remove(s.tmp.Name())
}

func (s *stagedFile) artifact() core.ExportArtifact {
	return core.ExportArtifact{
		Path:    s.final,
		Format:  s.format,
		Bytes:   s.bytes,
		Records: s.records,
		Digest:  hex.EncodeToString(s.digest.Sum(nil)),
	}
}

// publish renames every staged file into place. If a rename fails the files
// already published by this call are removed along with the remaining
// temporaries.
func publish(files []*stagedFile) error {
	for i, f := range files {
		if err := os.Rename(f.tmp.Name(), f.final); err != nil {
			for _, done := range files[:i] {
				_ = os.Remove(done.final)
			}
			for _, rest := range files[i:] {
				rest.discard()
			}
			return ioFailure(f.final, err)
		}
	}
	if len(files) > 0 {
		_ = syncDir(filepath.Dir(files[0].final))
	}
	return nil
}

// syncDir best-effort fsync parent directory to persist metadata.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

type countWriter struct {
	n *int64
}

func (c countWriter) Write(p []byte) (int, error) {
	*c.n += int64(len(p))
	return len(p), nil
}

func ioFailure(path string, err error) error {
	return &core.ExportError{Kind: core.KindIOFailure, Path: path, Err: errors.WithStack(err)}
}
