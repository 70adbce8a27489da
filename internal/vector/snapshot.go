package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"github.com/hyperjump/paperscope/internal/models"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Snapshot layout (little endian):
//
//	magic "PSVI" | version u16 | flags u16 | dimensions u32 | generation [16]byte | next_row u64 | slots u64
//	body (zstd when flagCompressed):
//	  per slot: row u64 | label_len u32 | label | dimensions*f32
//	  removed rows: roaring64 portable serialization
var snapshotMagic = [4]byte{'P', 'S', 'V', 'I'}

const (
	snapshotVersion uint16 = 1
	flagCompressed  uint16 = 1 << 0
	maxLabelLen            = 1 << 20
)

var errBadSnapshot = errors.New("invalid vector snapshot")

type snapshotHeader struct {
	Magic      [4]byte
	Version    uint16
	Flags      uint16
	Dimensions uint32
	Generation [16]byte
	NextRow    uint64
	Slots      uint64
}

type snapshot struct {
	dimensions int
	generation uuid.UUID
	nextRow    uint64
	rows       []uint64
	labels     []string
	data       []float32
	removed    *roaring64.Bitmap
}

func writeSnapshot(w io.Writer, s *snapshot, compress bool) error {
	hdr := snapshotHeader{
		Magic:      snapshotMagic,
		Version:    snapshotVersion,
		Dimensions: uint32(s.dimensions),
		Generation: s.generation,
		NextRow:    s.nextRow,
		Slots:      uint64(len(s.rows)),
	}
	if compress {
		hdr.Flags |= flagCompressed
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	var body io.Writer = w
	var enc *zstd.Encoder
	if compress {
		var err error
		enc, err = zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("create compressor: %w", err)
		}
		body = enc
	}
	bw := bufio.NewWriter(body)
	vec := make([]byte, s.dimensions*4)
	var scratch [8]byte
	for i, row := range s.rows {
		binary.LittleEndian.PutUint64(scratch[:], row)
		if _, err := bw.Write(scratch[:8]); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		label := []byte(s.labels[i])
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(label)))
		if _, err := bw.Write(scratch[:4]); err != nil {
			return fmt.Errorf("write label len: %w", err)
		}
		if _, err := bw.Write(label); err != nil {
			return fmt.Errorf("write label: %w", err)
		}
		for j, v := range s.data[i*s.dimensions : (i+1)*s.dimensions] {
			binary.LittleEndian.PutUint32(vec[j*4:], math.Float32bits(v))
		}
		if _, err := bw.Write(vec); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	if _, err := s.removed.WriteTo(bw); err != nil {
		return fmt.Errorf("write removed rows: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("close compressor: %w", err)
		}
	}
	return nil
}

func readSnapshot(r io.Reader) (*snapshot, error) {
	var hdr snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr.Magic != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", errBadSnapshot)
	}
	if hdr.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errBadSnapshot, hdr.Version)
	}
	if hdr.Dimensions == 0 {
		return nil, fmt.Errorf("%w: zero dimensions", errBadSnapshot)
	}

	var body io.Reader = r
	if hdr.Flags&flagCompressed != 0 {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create decompressor: %w", err)
		}
		defer dec.Close()
		body = dec
	}
	br := bufio.NewReader(body)

	dim := int(hdr.Dimensions)
	s := &snapshot{
		dimensions: dim,
		generation: uuid.UUID(hdr.Generation),
		nextRow:    hdr.NextRow,
		removed:    roaring64.New(),
	}
	vec := make([]byte, dim*4)
	var scratch [8]byte
	for i := uint64(0); i < hdr.Slots; i++ {
		if _, err := io.ReadFull(br, scratch[:8]); err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := binary.LittleEndian.Uint64(scratch[:8])
		if _, err := io.ReadFull(br, scratch[:4]); err != nil {
			return nil, fmt.Errorf("read label len: %w", err)
		}
		labelLen := binary.LittleEndian.Uint32(scratch[:4])
		if labelLen > maxLabelLen {
			return nil, fmt.Errorf("%w: label length %d", errBadSnapshot, labelLen)
		}
		label := make([]byte, labelLen)
		if _, err := io.ReadFull(br, label); err != nil {
			return nil, fmt.Errorf("read label: %w", err)
		}
		if _, err := io.ReadFull(br, vec); err != nil {
			return nil, fmt.Errorf("read vector: %w", err)
		}
		for j := 0; j < dim; j++ {
			s.data = append(s.data, math.Float32frombits(binary.LittleEndian.Uint32(vec[j*4:])))
		}
		s.rows = append(s.rows, row)
		s.labels = append(s.labels, string(label))
	}
	if _, err := s.removed.ReadFrom(br); err != nil {
		return nil, fmt.Errorf("read removed rows: %w", err)
	}
	return s, nil
}

// Save writes the index to path atomically (temp file, fsync, rename). The directory
// is created if needed.
func (f *FlatIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return models.ErrClosed
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	s := &snapshot{
		dimensions: f.dimensions,
		generation: f.generation,
		nextRow:    f.nextRow,
		rows:       f.rows,
		labels:     f.labels,
		data:       f.data,
		removed:    f.removed,
	}
	if err := writeSnapshot(tmp, s, f.compress); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename index file: %w", err)
	}
	f.logger.Debug("vector index saved", zap.String("path", path), zap.Int("slots", len(f.rows)))
	return nil
}

// Load reads the index from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (f *FlatIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()
	s, err := readSnapshot(file)
	if err != nil {
		return err
	}
	if s.dimensions != f.dimensions {
		return fmt.Errorf("load %s: %w", path, &models.DimensionMismatchError{Expected: f.dimensions, Actual: s.dimensions})
	}
	slots := make(map[uint64]int, len(s.rows))
	tombstones := 0
	for i, row := range s.rows {
		if _, dup := slots[row]; dup {
			return fmt.Errorf("%w: row %d stored twice", errBadSnapshot, row)
		}
		slots[row] = i
		if s.removed.Contains(row) {
			tombstones++
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return models.ErrClosed
	}
	f.rows, f.labels, f.data, f.slots = s.rows, s.labels, s.data, slots
	f.removed = s.removed
	f.tombstones = tombstones
	f.nextRow = s.nextRow
	f.generation = s.generation
	f.version++
	f.logger.Debug("vector index loaded", zap.String("path", path), zap.Int("slots", len(s.rows)), zap.Int("tombstones", tombstones))
	return nil
}
