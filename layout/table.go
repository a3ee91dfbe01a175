package layout

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/OneOfOne/xxhash"
	"github.com/elliotcourant/stmgc/pb"
	"github.com/elliotcourant/stmgc/z"
	"github.com/pkg/errors"
)

const (
	// tableVersion is included in a layout table file to indicate the version of the encoding that the runtime
	// build used to create it.
	tableVersion = 0x20141002
)

var (
	// magicalText is used to prefix the layout table file. It is used to verify that the file was created by a
	// runtime build and not by something else.
	magicalText = [4]byte{'!', 'S', 't', 'm'}
)

var (
	// ErrBadMagic is returned when a layout table file is missing its 4 byte signature.
	ErrBadMagic = errors.New("layout table has bad magic")

	// ErrBadTableVersion is returned when a layout table was written by an incompatible encoding.
	ErrBadTableVersion = errors.New("layout table has bad version")

	// ErrBadTableChecksum is returned when a record set does not match its checksum. This is usually an indication
	// that the file is corrupted.
	ErrBadTableChecksum = errors.New("layout table has bad checksum")

	// ErrBadTypeID is returned when the records of a table do not number their types 1, 2, 3... in order.
	ErrBadTypeID = errors.New("layout table has out of order type id")
)

type (
	// countingReader keeps track of how far into the table file the replay is.
	countingReader struct {
		wrapped *bufio.Reader
		count   int64
	}
)

// Read will read from the buffer into the provided byte slice. It will increment the count for the number of bytes
// read.
func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.wrapped.Read(p)
	r.count += int64(n)

	return
}

// WriteTable writes the header followed by one record set containing the layouts. The layout at index i is written
// with TypeID i+1, so that a Registry loaded from the table hands out the same ids the runtime build used.
func WriteTable(w io.Writer, layouts []Layout) error {
	buf := make([]byte, 8)
	copy(buf[0:4], magicalText[:])
	binary.BigEndian.PutUint32(buf[4:8], tableVersion)

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write layout table header")
	}

	return AppendTable(w, uint32(1), layouts)
}

// AppendTable writes one more record set. firstID is the type id of layouts[0], it must continue where the previous
// set ended.
func AppendTable(w io.Writer, firstID uint32, layouts []Layout) error {
	set := pb.LayoutRecordSet{Records: make([]pb.LayoutRecord, len(layouts))}
	for i, l := range layouts {
		if err := l.Validate(); err != nil {
			return err
		}

		set.Records[i] = pb.LayoutRecord{
			TypeId:     firstID + uint32(i),
			Size:       l.Size,
			Name:       l.Name,
			RefOffsets: l.RefOffsets,
		}
	}

	setBuf := set.Marshal()

	// The length and checksum segment is 8 bytes, the size of the record set and then its checksum.
	var lenCrcBuf [8]byte
	binary.BigEndian.PutUint32(lenCrcBuf[0:4], uint32(len(setBuf)))
	binary.BigEndian.PutUint32(lenCrcBuf[4:8], xxhash.Checksum32(setBuf))

	if _, err := w.Write(append(lenCrcBuf[:], setBuf...)); err != nil {
		return errors.Wrap(err, "failed to write layout record set")
	}

	return nil
}

// ReadTable replays every record set of a layout table. A set cut off at the end of the input is ignored, it is the
// remains of an interrupted append.
func ReadTable(reader io.Reader) ([]Layout, error) {
	r := countingReader{
		wrapped: bufio.NewReader(reader),
	}

	var magicalBuf [8]byte
	if _, err := io.ReadFull(&r, magicalBuf[:]); err != nil {
		return nil, errors.Wrapf(ErrBadMagic, "could not read: %v", err)
	} else if !bytes.Equal(magicalBuf[0:4], magicalText[:]) {
		return nil, errors.Wrap(ErrBadMagic, "missing magic prefix")
	}

	if version := binary.BigEndian.Uint32(magicalBuf[4:8]); version != tableVersion {
		return nil, errors.Wrapf(ErrBadTableVersion, "got %x", version)
	}

	layouts := make([]Layout, 0)
	for {
		var lenCrcBuf [8]byte
		if _, err := io.ReadFull(&r, lenCrcBuf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}

			return nil, errors.Wrap(err, "failed to replay layout table")
		}

		length := binary.BigEndian.Uint32(lenCrcBuf[0:4])

		// Copy at most length bytes instead of allocating them up front, a corrupted length should not be able to ask
		// for gigabytes before the checksum fails.
		var setBuf bytes.Buffer
		if _, err := io.CopyN(&setBuf, &r, int64(length)); err != nil {
			if err == io.EOF {
				break
			}

			return nil, errors.Wrap(err, "failed to replay layout table")
		}

		if xxhash.Checksum32(setBuf.Bytes()) != binary.BigEndian.Uint32(lenCrcBuf[4:8]) {
			return nil, errors.Wrapf(ErrBadTableChecksum, "record set at offset %d", r.count-int64(length)-8)
		}

		var set pb.LayoutRecordSet
		if err := set.Unmarshal(setBuf.Bytes()); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal layout record set")
		}

		for _, record := range set.Records {
			if record.TypeId != uint32(len(layouts)+1) {
				return nil, errors.Wrapf(ErrBadTypeID, "expected %d got %d", len(layouts)+1, record.TypeId)
			}

			l := Layout{Name: record.Name, Size: record.Size, RefOffsets: record.RefOffsets}
			if err := l.Validate(); err != nil {
				return nil, err
			}

			layouts = append(layouts, l)
		}
	}

	return layouts, nil
}

// WriteTableFile writes a complete layout table to path and syncs it.
func WriteTableFile(path string, layouts []Layout) error {
	file, err := z.OpenTruncFile(path)
	if err != nil {
		return z.Wrapf(err, "Error creating layout table: %q", path)
	}

	if err := WriteTable(file, layouts); err != nil {
		_ = file.Close()
		return err
	}

	if err := z.FileSync(file); err != nil {
		_ = file.Close()
		return z.Wrap(err)
	}

	return file.Close()
}

// LoadRegistry replays the layout table at path into a new registry. The registry is not frozen, the runtime may
// still register layouts that are only known at startup.
func LoadRegistry(path string) (*Registry, error) {
	file, err := z.OpenReadOnlyFile(path)
	if err != nil {
		return nil, z.Wrapf(err, "Error opening layout table: %q", path)
	}
	defer file.Close()

	layouts, err := ReadTable(file)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	for _, l := range layouts {
		if _, err := registry.Register(l); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
