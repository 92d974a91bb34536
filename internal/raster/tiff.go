package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"

	"github.com/couchcryptid/snow-cover-etl/internal/geo"
)

// TIFF tags.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfig        = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGeoDoubleParams     = 34736
	tagGeoASCIIParams      = 34737
	tagGDALNoData          = 42113
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
)

// Compression schemes.
const (
	compressionNone     = 1
	compressionLZW      = 5
	compressionDeflate  = 8
	compressionPackBits = 32773
	compressionDeflate2 = 32946
	compressionZSTD     = 50000
)

// GeoKeys.
const (
	keyModelType     = 1024
	keyRasterType    = 1025
	keyGeographicCRS = 2048
	keyProjectedCRS  = 3072
	userDefined      = 32767
	rasterPixelPoint = 2
)

var typeSizes = map[uint16]int{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4, typeSRational: 8,
	typeFloat: 4, typeDouble: 8,
}

// Decoded size limits.
const (
	maxPixels     = 1 << 27
	maxTileSide   = 1 << 15
	maxTilePixels = 1 << 24
)

// ErrNotGeoTIFF is returned for inputs that are not a readable classic TIFF.
var ErrNotGeoTIFF = errors.New("not a readable geotiff")

type ifdEntry struct {
	typ   uint16
	count uint32
	raw   []byte
}

type tiffDecoder struct {
	data    []byte
	order   binary.ByteOrder
	entries map[uint16]ifdEntry
}

// ReadGeoTIFF decodes the first band of the first image in a GeoTIFF file.
func ReadGeoTIFF(path string) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeGeoTIFF(data)
}

// DecodeGeoTIFF decodes the first band of the first image in data.
func DecodeGeoTIFF(data []byte) (*Grid, error) {
	d := &tiffDecoder{data: data}
	if err := d.readHeader(); err != nil {
		return nil, err
	}

	w64, h64 := d.firstUint(tagImageWidth, 0), d.firstUint(tagImageLength, 0)
	if w64 == 0 || h64 == 0 || w64*h64 > maxPixels {
		return nil, fmt.Errorf("%w: image size %dx%d", ErrNotGeoTIFF, w64, h64)
	}
	width, height := int(w64), int(h64)
	if spp := d.firstUint(tagSamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("%w: %d samples per pixel, want 1", ErrNotGeoTIFF, spp)
	}
	bits := int(d.firstUint(tagBitsPerSample, 1))
	if bits != 8 && bits != 16 {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrNotGeoTIFF, bits)
	}
	if sf := d.firstUint(tagSampleFormat, 1); sf != 1 && sf != 2 {
		return nil, fmt.Errorf("%w: sample format %d", ErrNotGeoTIFF, sf)
	}

	if err := d.checkLayout(width, height, bits/8); err != nil {
		return nil, err
	}

	g := &Grid{Width: width, Height: height, Values: make([]uint16, width*height)}
	if err := d.readPixels(g, bits); err != nil {
		return nil, err
	}

	t, err := d.geoTransform()
	if err != nil {
		return nil, err
	}
	g.Transform = t
	g.CRS = d.crs()
	g.NoData = d.noData()
	return g, nil
}

func (d *tiffDecoder) readHeader() error {
	if len(d.data) < 8 {
		return fmt.Errorf("%w: file too short", ErrNotGeoTIFF)
	}
	switch string(d.data[:2]) {
	case "II":
		d.order = binary.LittleEndian
	case "MM":
		d.order = binary.BigEndian
	default:
		return fmt.Errorf("%w: bad byte order mark", ErrNotGeoTIFF)
	}
	switch magic := d.order.Uint16(d.data[2:4]); magic {
	case 42:
	case 43:
		return fmt.Errorf("%w: bigtiff is not supported", ErrNotGeoTIFF)
	default:
		return fmt.Errorf("%w: bad magic %d", ErrNotGeoTIFF, magic)
	}

	off := int(d.order.Uint32(d.data[4:8]))
	if off < 8 || off+2 > len(d.data) {
		return fmt.Errorf("%w: ifd offset %d out of range", ErrNotGeoTIFF, off)
	}
	n := int(d.order.Uint16(d.data[off : off+2]))
	if off+2+n*12 > len(d.data) {
		return fmt.Errorf("%w: truncated ifd", ErrNotGeoTIFF)
	}

	d.entries = make(map[uint16]ifdEntry, n)
	for i := 0; i < n; i++ {
		e := d.data[off+2+i*12 : off+2+(i+1)*12]
		tag := d.order.Uint16(e[0:2])
		typ := d.order.Uint16(e[2:4])
		count := d.order.Uint32(e[4:8])
		size, ok := typeSizes[typ]
		if !ok {
			continue
		}
		total := size * int(count)
		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			vo := int(d.order.Uint32(e[8:12]))
			if vo < 0 || vo+total > len(d.data) {
				return fmt.Errorf("%w: tag %d value out of range", ErrNotGeoTIFF, tag)
			}
			raw = d.data[vo : vo+total]
		}
		d.entries[tag] = ifdEntry{typ: typ, count: count, raw: raw}
	}
	return nil
}

func (d *tiffDecoder) uints(tag uint16) []uint64 {
	e, ok := d.entries[tag]
	if !ok {
		return nil
	}
	out := make([]uint64, e.count)
	for i := range out {
		switch e.typ {
		case typeByte, typeUndefined, typeSByte:
			out[i] = uint64(e.raw[i])
		case typeShort, typeSShort:
			out[i] = uint64(d.order.Uint16(e.raw[i*2:]))
		case typeLong, typeSLong:
			out[i] = uint64(d.order.Uint32(e.raw[i*4:]))
		default:
			return nil
		}
	}
	return out
}

func (d *tiffDecoder) firstUint(tag uint16, def uint64) uint64 {
	if v := d.uints(tag); len(v) > 0 {
		return v[0]
	}
	return def
}

func (d *tiffDecoder) floats(tag uint16) []float64 {
	e, ok := d.entries[tag]
	if !ok {
		return nil
	}
	out := make([]float64, e.count)
	switch e.typ {
	case typeDouble:
		for i := range out {
			out[i] = math.Float64frombits(d.order.Uint64(e.raw[i*8:]))
		}
	case typeFloat:
		for i := range out {
			out[i] = float64(math.Float32frombits(d.order.Uint32(e.raw[i*4:])))
		}
	default:
		u := d.uints(tag)
		if u == nil {
			return nil
		}
		for i := range out {
			out[i] = float64(u[i])
		}
	}
	return out
}

func (d *tiffDecoder) ascii(tag uint16) string {
	e, ok := d.entries[tag]
	if !ok || e.typ != typeASCII {
		return ""
	}
	return strings.TrimRight(string(e.raw), "\x00 ")
}

func (d *tiffDecoder) readPixels(g *Grid, bits int) error {
	compression := d.firstUint(tagCompression, compressionNone)
	predictor := d.firstUint(tagPredictor, 1)
	bps := bits / 8

	tw, tl, tiled, err := d.tileSize()
	if err != nil {
		return err
	}
	if tiled {
		offsets, counts := d.uints(tagTileOffsets), d.uints(tagTileByteCounts)
		across := (g.Width + tw - 1) / tw
		down := (g.Height + tl - 1) / tl
		if len(offsets) < across*down || len(counts) < across*down {
			return fmt.Errorf("%w: %d tiles listed, want %d", ErrNotGeoTIFF, len(offsets), across*down)
		}
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				i := ty*across + tx
				buf, err := d.chunk(offsets[i], counts[i], compression, tw*tl*bps)
				if err != nil {
					return fmt.Errorf("tile %d: %w", i, err)
				}
				if predictor == 2 {
					undoPredictor(buf, tw, tl, bps, d.order)
				}
				for r := 0; r < tl; r++ {
					row := ty*tl + r
					if row >= g.Height {
						break
					}
					for c := 0; c < tw; c++ {
						col := tx*tw + c
						if col >= g.Width {
							break
						}
						g.Values[row*g.Width+col] = sample(buf, r*tw+c, bps, d.order)
					}
				}
			}
		}
		return nil
	}

	offsets, counts := d.uints(tagStripOffsets), d.uints(tagStripByteCounts)
	rps64 := d.firstUint(tagRowsPerStrip, uint64(g.Height))
	rps := g.Height
	if rps64 > 0 && rps64 < uint64(g.Height) {
		rps = int(rps64)
	}
	strips := (g.Height + rps - 1) / rps
	if len(offsets) < strips || len(counts) < strips {
		return fmt.Errorf("%w: %d strips listed, want %d", ErrNotGeoTIFF, len(offsets), strips)
	}
	for s := 0; s < strips; s++ {
		rows := min(rps, g.Height-s*rps)
		buf, err := d.chunk(offsets[s], counts[s], compression, rows*g.Width*bps)
		if err != nil {
			return fmt.Errorf("strip %d: %w", s, err)
		}
		if predictor == 2 {
			undoPredictor(buf, g.Width, rows, bps, d.order)
		}
		base := s * rps * g.Width
		for i := 0; i < rows*g.Width; i++ {
			g.Values[base+i] = sample(buf, i, bps, d.order)
		}
	}
	return nil
}

// maxExpansion is the largest decoded-to-encoded size ratio a codec can
// produce, or 0 when it is unbounded.
func maxExpansion(compression uint64) int {
	switch compression {
	case compressionNone:
		return 1
	case compressionPackBits:
		return 64
	case compressionDeflate, compressionDeflate2:
		return 1032
	case compressionLZW:
		return 4096
	default:
		return 0
	}
}

func (d *tiffDecoder) tileSize() (tw, tl int, tiled bool, err error) {
	if _, ok := d.entries[tagTileWidth]; !ok {
		return 0, 0, false, nil
	}
	tw64, tl64 := d.firstUint(tagTileWidth, 0), d.firstUint(tagTileLength, 0)
	if tw64 == 0 || tl64 == 0 || tw64 > maxTileSide || tl64 > maxTileSide || tw64*tl64 > maxTilePixels {
		return 0, 0, true, fmt.Errorf("%w: tile size %dx%d", ErrNotGeoTIFF, tw64, tl64)
	}
	return int(tw64), int(tl64), true, nil
}

// checkLayout rejects images whose decoded pixels, tile padding included,
// are too large or could not be encoded in a file of this size.
func (d *tiffDecoder) checkLayout(width, height, bps int) error {
	tw, tl, tiled, err := d.tileSize()
	if err != nil {
		return err
	}
	w, h := uint64(width), uint64(height)
	if tiled {
		w = (w + uint64(tw) - 1) / uint64(tw) * uint64(tw)
		h = (h + uint64(tl) - 1) / uint64(tl) * uint64(tl)
	}
	if w*h > 2*maxPixels {
		return fmt.Errorf("%w: decoded area %dx%d too large", ErrNotGeoTIFF, w, h)
	}
	ratio := maxExpansion(d.firstUint(tagCompression, compressionNone))
	if ratio == 0 {
		return nil
	}
	need := w * h * uint64(bps)
	if need > uint64(len(d.data))*uint64(ratio) {
		return fmt.Errorf("%w: %d decoded bytes cannot come from a %d byte file", ErrNotGeoTIFF, need, len(d.data))
	}
	return nil
}

// chunk returns the decompressed bytes of one strip or tile, exactly want long.
func (d *tiffDecoder) chunk(offset, count uint64, compression uint64, want int) ([]byte, error) {
	if offset+count > uint64(len(d.data)) {
		return nil, fmt.Errorf("%w: chunk at %d+%d beyond end of file", ErrNotGeoTIFF, offset, count)
	}
	src := d.data[offset : offset+count]

	var out []byte
	var err error
	switch compression {
	case compressionNone:
		out = src
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(src), lzw.MSB, 8)
		out, err = readAllLimited(lr, want)
		lr.Close()
	case compressionDeflate, compressionDeflate2:
		var zr io.ReadCloser
		zr, err = zlib.NewReader(bytes.NewReader(src))
		if err == nil {
			out, err = readAllLimited(zr, want)
			zr.Close()
		}
	case compressionZSTD:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(bytes.NewReader(src))
		if err == nil {
			out, err = readAllLimited(zr, want)
			zr.Close()
		}
	case compressionPackBits:
		out, err = unpackBits(src, want)
	default:
		return nil, fmt.Errorf("%w: compression %d not supported", ErrNotGeoTIFF, compression)
	}
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(out) < want {
		return nil, fmt.Errorf("%w: chunk has %d bytes, want %d", ErrNotGeoTIFF, len(out), want)
	}
	return out[:want], nil
}

func readAllLimited(r io.Reader, want int) ([]byte, error) {
	buf := make([]byte, want)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func unpackBits(src []byte, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	for i := 0; i < len(src) && len(out) < want; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, io.ErrUnexpectedEOF
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, io.ErrUnexpectedEOF
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	return out, nil
}

func undoPredictor(buf []byte, width, rows, bps int, order binary.ByteOrder) {
	for r := 0; r < rows; r++ {
		row := buf[r*width*bps : (r+1)*width*bps]
		switch bps {
		case 1:
			for c := 1; c < width; c++ {
				row[c] += row[c-1]
			}
		case 2:
			prev := order.Uint16(row[0:])
			for c := 1; c < width; c++ {
				v := order.Uint16(row[c*2:]) + prev
				order.PutUint16(row[c*2:], v)
				prev = v
			}
		}
	}
}

func sample(buf []byte, i, bps int, order binary.ByteOrder) uint16 {
	if bps == 1 {
		return uint16(buf[i])
	}
	return order.Uint16(buf[i*2:])
}

func (d *tiffDecoder) geoTransform() (GeoTransform, error) {
	var t GeoTransform
	if m := d.floats(tagModelTransformation); len(m) >= 16 {
		if m[1] != 0 || m[4] != 0 {
			return t, fmt.Errorf("%w: rotated grids are not supported", ErrNotGeoTIFF)
		}
		t = GeoTransform{OriginX: m[3], OriginY: m[7], PixelWidth: m[0], PixelHeight: m[5]}
	} else {
		scale := d.floats(tagModelPixelScale)
		tie := d.floats(tagModelTiepoint)
		if len(scale) < 2 || len(tie) < 6 {
			return t, fmt.Errorf("%w: missing georeferencing tags", ErrNotGeoTIFF)
		}
		t = GeoTransform{
			OriginX:     tie[3] - tie[0]*scale[0],
			OriginY:     tie[4] + tie[1]*scale[1],
			PixelWidth:  scale[0],
			PixelHeight: -scale[1],
		}
	}
	if d.geoKey(keyRasterType) == rasterPixelPoint {
		t.OriginX -= t.PixelWidth / 2
		t.OriginY -= t.PixelHeight / 2
	}
	if !t.Valid() {
		return t, fmt.Errorf("%w: degenerate pixel size", ErrNotGeoTIFF)
	}
	return t, nil
}

// geoKey returns a SHORT-valued GeoKey stored inline in the key directory, or 0.
func (d *tiffDecoder) geoKey(id uint64) uint64 {
	dir := d.uints(tagGeoKeyDirectory)
	if len(dir) < 4 {
		return 0
	}
	n := int(dir[3])
	for i := 0; i < n && 4+i*4+3 < len(dir); i++ {
		e := dir[4+i*4 : 4+i*4+4]
		if e[0] == id && e[1] == 0 {
			return e[3]
		}
	}
	return 0
}

func (d *tiffDecoder) crs() geo.CRS {
	if code := d.geoKey(keyProjectedCRS); code != 0 && code != userDefined {
		return geo.CRS(code)
	}
	if code := d.geoKey(keyGeographicCRS); code != 0 && code != userDefined {
		return geo.CRS(code)
	}
	return geo.Unknown
}

func (d *tiffDecoder) noData() *uint16 {
	s := d.ascii(tagGDALNoData)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 || f > math.MaxUint16 || f != math.Trunc(f) {
		return nil
	}
	v := uint16(f)
	return &v
}
