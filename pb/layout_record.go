package pb

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// LayoutRecordHeaderSize is the fixed part of every encoded LayoutRecord, the name and the reference offsets
	// follow it.
	LayoutRecordHeaderSize = 0 + // Simply here to align the other items.
		4 + // TypeId (uint32 - 4 bytes)
		8 + // Size (uint64 - 8 bytes)
		2 + // Name length (uint16 - 2 bytes)
		4 // Reference offset count (uint32 - 4 bytes)
)

type (
	// LayoutRecord is the on disk form of a single object layout.
	LayoutRecord struct {
		TypeId uint32

		Size uint64

		Name string

		RefOffsets []uint32
	}

	// LayoutRecordSet represents a group of layouts that are written and replayed together.
	LayoutRecordSet struct {
		Records []LayoutRecord
	}
)

// EncodedSize is the number of bytes MarshalEx will write for this record.
func (lr *LayoutRecord) EncodedSize() int {
	return LayoutRecordHeaderSize + len(lr.Name) + 4*len(lr.RefOffsets)
}

// MarshalEx encodes the record into dst and returns the number of bytes written.
func (lr *LayoutRecord) MarshalEx(dst []byte) (int, error) {
	if len(lr.Name) > math.MaxUint16 {
		return 0, fmt.Errorf("cannot marshal LayoutRecord, name is %d bytes long, max %d", len(lr.Name), math.MaxUint16)
	}

	size := lr.EncodedSize()
	if len(dst) < size {
		return 0, fmt.Errorf(
			"cannot marshal LayoutRecord, buffer is too small. Need: %d Got: %d",
			size,
			len(dst),
		)
	}

	i := 0

	binary.BigEndian.PutUint32(dst[i:i+4], lr.TypeId)
	i += 4

	binary.BigEndian.PutUint64(dst[i:i+8], lr.Size)
	i += 8

	binary.BigEndian.PutUint16(dst[i:i+2], uint16(len(lr.Name)))
	i += 2

	binary.BigEndian.PutUint32(dst[i:i+4], uint32(len(lr.RefOffsets)))
	i += 4

	i += copy(dst[i:], lr.Name)

	for _, offset := range lr.RefOffsets {
		binary.BigEndian.PutUint32(dst[i:i+4], offset)
		i += 4
	}

	return i, nil
}

// Unmarshal decodes a record from the start of src and returns the number of bytes consumed.
func (lr *LayoutRecord) Unmarshal(src []byte) (int, error) {
	if len(src) < LayoutRecordHeaderSize {
		return 0, fmt.Errorf(
			"cannot unmarshal LayoutRecord, buffer is too small. Need: %d Got: %d",
			LayoutRecordHeaderSize,
			len(src),
		)
	}
	*lr = LayoutRecord{}

	i := 0

	lr.TypeId = binary.BigEndian.Uint32(src[i : i+4])
	i += 4

	lr.Size = binary.BigEndian.Uint64(src[i : i+8])
	i += 8

	nameLength := int(binary.BigEndian.Uint16(src[i : i+2]))
	i += 2

	offsetCount := int(binary.BigEndian.Uint32(src[i : i+4]))
	i += 4

	// Check the variable part against what is left before allocating anything for it, a corrupted count could
	// otherwise ask for gigabytes.
	if remaining := len(src) - i; nameLength+4*offsetCount > remaining || offsetCount < 0 {
		return 0, fmt.Errorf(
			"cannot unmarshal LayoutRecord, source is too short. expected: %d got: %d",
			nameLength+4*offsetCount,
			remaining,
		)
	}

	lr.Name = string(src[i : i+nameLength])
	i += nameLength

	if offsetCount > 0 {
		lr.RefOffsets = make([]uint32, offsetCount)
		for j := range lr.RefOffsets {
			lr.RefOffsets[j] = binary.BigEndian.Uint32(src[i : i+4])
			i += 4
		}
	}

	return i, nil
}

func (lrs *LayoutRecordSet) Marshal() []byte {
	// A set is prefixed by the number of records in it. Records are variable in size so unlike fixed size change sets
	// the records have to be walked one by one when decoding.
	size := 4
	for i := range lrs.Records {
		size += lrs.Records[i].EncodedSize()
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(lrs.Records)))

	offset := 4
	for i := range lrs.Records {
		// The buffer was sized from EncodedSize, the only error left is an oversized name.
		n, err := lrs.Records[i].MarshalEx(buf[offset:])
		if err != nil {
			panic(err)
		}
		offset += n
	}

	return buf
}

func (lrs *LayoutRecordSet) Unmarshal(src []byte) error {
	if len(src) < 4 {
		return fmt.Errorf("invalid layout record set source. must be at least 4 bytes")
	}

	count := binary.BigEndian.Uint32(src[0:4])

	// Every record needs at least its header, which gives a cheap upper bound on the count before allocating.
	if uint64(count)*LayoutRecordHeaderSize > uint64(len(src)-4) {
		return fmt.Errorf(
			"cannot unmarshal layout record set, source is too short for %d records. got: %d",
			count,
			len(src),
		)
	}

	lrs.Records = make([]LayoutRecord, count)

	offset := 4
	for i := uint32(0); i < count; i++ {
		n, err := lrs.Records[i].Unmarshal(src[offset:])
		if err != nil {
			return fmt.Errorf("record %d: %v", i, err)
		}
		offset += n
	}

	return nil
}
