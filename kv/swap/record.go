package swap

import (
	"github.com/pingcap-incubator/tinyobj/kv/config"
	"github.com/pingcap-incubator/tinyobj/kv/util/codec"
	"github.com/pingcap/errors"
)

// Record frame:
//
//	sectors  u32  number of sectors the record occupies
//	flags    u8   recordCompressed when the payload is compressed
//	length   u32  length of the stored payload
//	payload
//	padding up to sectors*sectorSize
const recordHeaderSize = 9

const recordCompressed uint8 = 1 << 0

var ErrCorruptRecord = errors.New("swap: corrupt record")

// Framer turns payloads into sector framed records and back.
type Framer struct {
	sectorSize  int
	threshold   int
	maxRecord   int
	compression CompressionType
}

func NewFramer(conf *config.Swap) (*Framer, error) {
	tp, err := ParseCompression(conf.Compression)
	if err != nil {
		return nil, err
	}
	return &Framer{
		sectorSize:  int(conf.SectorSize),
		threshold:   int(conf.CompressThreshold),
		maxRecord:   int(conf.MaxRecordSize),
		compression: tp,
	}, nil
}

func (f *Framer) SectorSize() int { return f.sectorSize }

// Frame wraps payload into a record.
func (f *Framer) Frame(payload []byte) []byte {
	var flags uint8
	stored := payload
	if len(payload) > f.threshold {
		if compressed, ok := CompressBlock(f.compression, payload, nil); ok {
			stored = compressed
			flags |= recordCompressed
		}
	}
	sectors := (recordHeaderSize + len(stored) + f.sectorSize - 1) / f.sectorSize
	w := codec.NewWriter(sectors * f.sectorSize)
	w.PutUint32(uint32(sectors))
	w.PutUint8(flags)
	w.PutUint32(uint32(len(stored)))
	w.PutBytes(stored)
	w.PutBytes(make([]byte, sectors*f.sectorSize-w.Len()))
	return w.Bytes()
}

// Sectors returns the sector count stored in a record header.
func Sectors(record []byte) (int, error) {
	r := codec.NewReader(record)
	n := r.Uint32()
	if r.Err() != nil {
		return 0, errors.Annotate(ErrCorruptRecord, r.Err().Error())
	}
	return int(n), nil
}

// Unframe validates a record and returns its payload.
func (f *Framer) Unframe(record []byte) ([]byte, error) {
	r := codec.NewReader(record)
	sectors := int(r.Uint32())
	flags := r.Uint8()
	length := int(r.Uint32())
	if r.Err() != nil {
		return nil, errors.Annotate(ErrCorruptRecord, r.Err().Error())
	}
	if len(record) > f.maxRecord {
		return nil, errors.Annotatef(ErrCorruptRecord, "%d byte record exceeds limit %d", len(record), f.maxRecord)
	}
	if sectors*f.sectorSize != len(record) {
		return nil, errors.Annotatef(ErrCorruptRecord, "%d sectors of %d bytes in a %d byte record",
			sectors, f.sectorSize, len(record))
	}
	stored := r.Bytes(length)
	if r.Err() != nil {
		return nil, errors.Annotate(ErrCorruptRecord, r.Err().Error())
	}
	if flags&recordCompressed == 0 {
		return stored, nil
	}
	payload, err := DecompressBlock(CompressionLz4, stored, nil, f.maxRecord)
	if err != nil {
		return nil, errors.Annotate(ErrCorruptRecord, err.Error())
	}
	return payload, nil
}
