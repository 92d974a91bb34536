package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how WriteGeoTIFF encodes pixel data.
type Compression int

const (
	CompressNone Compression = iota
	CompressDeflate
	CompressZSTD
	CompressPackBits
)

// WriteOptions controls the GeoTIFF layout.
type WriteOptions struct {
	Compression  Compression
	TileSize     int // square tiles when > 0, strips otherwise
	RowsPerStrip int
	Bits         int // 8 (default) or 16
	Predictor    bool
	BigEndian    bool
}

type outEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// WriteGeoTIFFFile writes g to path atomically.
func WriteGeoTIFFFile(path string, g *Grid, opts WriteOptions) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".geotiff-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := WriteGeoTIFF(tmp, g, opts); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteGeoTIFF encodes g as a single-band classic GeoTIFF.
func WriteGeoTIFF(w io.Writer, g *Grid, opts WriteOptions) error {
	bits := opts.Bits
	if bits == 0 {
		bits = 8
	}
	if bits != 8 && bits != 16 {
		return fmt.Errorf("write geotiff: %d bits per sample", bits)
	}
	bps := bits / 8

	var order binary.ByteOrder = binary.LittleEndian
	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	if opts.BigEndian {
		order = binary.BigEndian
		header = []byte{'M', 'M', 0, 42, 0, 0, 0, 0}
	}

	var buf bytes.Buffer
	buf.Write(header)

	type chunkSpec struct{ col0, row0, cols, rows, stride int }
	var chunks []chunkSpec
	if opts.TileSize > 0 {
		ts := opts.TileSize
		for r := 0; r < g.Height; r += ts {
			for c := 0; c < g.Width; c += ts {
				chunks = append(chunks, chunkSpec{c, r, ts, ts, ts})
			}
		}
	} else {
		rps := opts.RowsPerStrip
		if rps <= 0 {
			rps = min(g.Height, 64)
		}
		for r := 0; r < g.Height; r += rps {
			chunks = append(chunks, chunkSpec{0, r, g.Width, min(rps, g.Height-r), g.Width})
		}
	}

	offsets := make([]uint32, len(chunks))
	counts := make([]uint32, len(chunks))
	for i, ch := range chunks {
		raw := make([]byte, ch.cols*ch.rows*bps)
		for r := 0; r < ch.rows; r++ {
			for c := 0; c < ch.cols; c++ {
				row, col := ch.row0+r, ch.col0+c
				if row >= g.Height || col >= g.Width {
					continue
				}
				v := g.At(col, row)
				if bps == 1 {
					raw[r*ch.stride+c] = byte(v)
				} else {
					order.PutUint16(raw[(r*ch.stride+c)*2:], v)
				}
			}
		}
		if opts.Predictor {
			applyPredictor(raw, ch.cols, ch.rows, bps, order)
		}
		enc, err := compressChunk(raw, opts.Compression)
		if err != nil {
			return fmt.Errorf("write geotiff: %w", err)
		}
		offsets[i] = uint32(buf.Len())
		counts[i] = uint32(len(enc))
		buf.Write(enc)
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	short := func(tag uint16, vals ...uint16) outEntry {
		b := make([]byte, 2*len(vals))
		for i, v := range vals {
			order.PutUint16(b[i*2:], v)
		}
		return outEntry{tag, typeShort, uint32(len(vals)), b}
	}
	long := func(tag uint16, vals ...uint32) outEntry {
		b := make([]byte, 4*len(vals))
		for i, v := range vals {
			order.PutUint32(b[i*4:], v)
		}
		return outEntry{tag, typeLong, uint32(len(vals)), b}
	}
	double := func(tag uint16, vals ...float64) outEntry {
		b := make([]byte, 8*len(vals))
		for i, v := range vals {
			order.PutUint64(b[i*8:], math.Float64bits(v))
		}
		return outEntry{tag, typeDouble, uint32(len(vals)), b}
	}

	compressionCode := map[Compression]uint16{
		CompressNone:     compressionNone,
		CompressDeflate:  compressionDeflate,
		CompressZSTD:     compressionZSTD,
		CompressPackBits: compressionPackBits,
	}[opts.Compression]

	entries := []outEntry{
		long(tagImageWidth, uint32(g.Width)),
		long(tagImageLength, uint32(g.Height)),
		short(tagBitsPerSample, uint16(bits)),
		short(tagCompression, compressionCode),
		short(tagPhotometric, 1),
		short(tagSamplesPerPixel, 1),
		short(tagPlanarConfig, 1),
		short(tagSampleFormat, 1),
	}
	if opts.Predictor {
		entries = append(entries, short(tagPredictor, 2))
	}
	if opts.TileSize > 0 {
		entries = append(entries,
			long(tagTileWidth, uint32(opts.TileSize)),
			long(tagTileLength, uint32(opts.TileSize)),
			long(tagTileOffsets, offsets...),
			long(tagTileByteCounts, counts...),
		)
	} else {
		entries = append(entries,
			long(tagStripOffsets, offsets...),
			long(tagRowsPerStrip, uint32(chunks[0].rows)),
			long(tagStripByteCounts, counts...),
		)
	}

	t := g.Transform
	entries = append(entries,
		double(tagModelPixelScale, t.PixelWidth, -t.PixelHeight, 0),
		double(tagModelTiepoint, 0, 0, 0, t.OriginX, t.OriginY, 0),
	)

	keys := []uint16{1, 1, 0, 0}
	modelType := uint16(1)
	if g.CRS.Geographic() {
		modelType = 2
	}
	keys = append(keys, keyModelType, 0, 1, modelType, keyRasterType, 0, 1, 1)
	if g.CRS != 0 {
		key := uint16(keyProjectedCRS)
		if g.CRS.Geographic() {
			key = keyGeographicCRS
		}
		keys = append(keys, key, 0, 1, uint16(g.CRS))
	}
	keys[3] = uint16(len(keys)/4 - 1)
	entries = append(entries, short(tagGeoKeyDirectory, keys...))

	if g.NoData != nil {
		s := strconv.Itoa(int(*g.NoData)) + "\x00"
		entries = append(entries, outEntry{tagGDALNoData, typeASCII, uint32(len(s)), []byte(s)})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	valueOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		if len(e.data) <= 4 {
			continue
		}
		valueOffsets[i] = uint32(buf.Len())
		buf.Write(e.data)
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	ifdOffset := uint32(buf.Len())
	var n [2]byte
	order.PutUint16(n[:], uint16(len(entries)))
	buf.Write(n[:])
	for i, e := range entries {
		var rec [12]byte
		order.PutUint16(rec[0:], e.tag)
		order.PutUint16(rec[2:], e.typ)
		order.PutUint32(rec[4:], e.count)
		if len(e.data) <= 4 {
			copy(rec[8:], e.data)
		} else {
			order.PutUint32(rec[8:], valueOffsets[i])
		}
		buf.Write(rec[:])
	}
	buf.Write([]byte{0, 0, 0, 0})

	out := buf.Bytes()
	order.PutUint32(out[4:8], ifdOffset)
	_, err := w.Write(out)
	return err
}

func applyPredictor(buf []byte, width, rows, bps int, order binary.ByteOrder) {
	for r := 0; r < rows; r++ {
		row := buf[r*width*bps : (r+1)*width*bps]
		switch bps {
		case 1:
			for c := width - 1; c > 0; c-- {
				row[c] -= row[c-1]
			}
		case 2:
			for c := width - 1; c > 0; c-- {
				order.PutUint16(row[c*2:], order.Uint16(row[c*2:])-order.Uint16(row[(c-1)*2:]))
			}
		}
	}
}

func compressChunk(raw []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressNone:
		return raw, nil
	case CompressDeflate:
		var b bytes.Buffer
		zw := zlib.NewWriter(&b)
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case CompressZSTD:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	case CompressPackBits:
		return packBits(raw), nil
	}
	return nil, fmt.Errorf("compression %d not supported", c)
}

// packBits emits runs of repeated bytes and literal blocks of up to 128 bytes.
func packBits(src []byte) []byte {
	var out []byte
	for i := 0; i < len(src); {
		run := 1
		for i+run < len(src) && run < 128 && src[i+run] == src[i] {
			run++
		}
		if run >= 3 {
			out = append(out, byte(int8(1-run)), src[i])
			i += run
			continue
		}
		start := i
		for i < len(src) && i-start < 128 {
			if i+2 < len(src) && src[i] == src[i+1] && src[i] == src[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, src[start:i]...)
	}
	return out
}
