package blobmeta

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/errs"
)

// Info is an opened, memory-mapped <blob-path>.blob.meta file. The chunk
// array is read straight from the mapping; Record and the range queries
// decode the records they return into values the caller owns.
type Info struct {
	f       *os.File
	mapping []byte
	header  Header

	// StargzMode disables contiguity (gap) checking between successive
	// chunks during range queries, for blobs whose compressed-offset
	// layout is a gzip-framed stargz stream rather than a dense
	// concatenation.
	StargzMode bool
}

// Open mmaps an already-committed blob-meta file at path. It returns
// errs.NotReady if the file's magic words are not both present (the file
// was observed mid-commit or was never finished).
func Open(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("blobmeta: open %s: %w", path, errs.IoError)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("blobmeta: stat %s: %w", path, errs.IoError)
	}
	size := st.Size()
	if size < HeaderSize {
		f.Close()
		return nil, xerrors.Errorf("blobmeta: %s too small to hold a header: %w", path, errs.NotReady)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("blobmeta: mmap %s: %w", path, errs.IoError)
	}

	headerOffset := size - HeaderSize
	hdr, err := decodeHeader(mapping[headerOffset:])
	if err != nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, err
	}

	return &Info{f: f, mapping: mapping, header: hdr}, nil
}

// Close unmaps and closes the underlying file.
func (info *Info) Close() error {
	err := unix.Munmap(info.mapping)
	if cerr := info.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Header returns the decoded header.
func (info *Info) Header() Header {
	return info.header
}

// Len returns the number of chunk records.
func (info *Info) Len() int {
	return int(info.header.EntryCount)
}

// Record decodes the i'th chunk record from the mapping.
func (info *Info) Record(i int) (chunkrecord.Record, error) {
	if i < 0 || i >= info.Len() {
		return chunkrecord.Record{}, xerrors.Errorf("blobmeta: record index %d out of range [0,%d): %w", i, info.Len(), errs.InvalidArgument)
	}
	off := i * chunkrecord.Size
	return chunkrecord.Decode(info.mapping[off : off+chunkrecord.Size])
}

// records decodes every record into an owned slice, used by the query
// helpers below.
func (info *Info) records() ([]chunkrecord.Record, error) {
	out := make([]chunkrecord.Record, info.Len())
	for i := range out {
		r, err := info.Record(i)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}
