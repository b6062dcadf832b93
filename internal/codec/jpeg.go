package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	c "aiomgr/internal"
)

type PixelFormat int
const (
	PixelYCbCr420	PixelFormat = 8
	PixelYCbCr422	PixelFormat = 9
)

type HeaderMode int
const (
	HeaderJPEG	HeaderMode = 0
	HeaderMJPEG	HeaderMode = 1 // no Huffman tables, decoders fall back to the standard ones
)

const MIN_COMP_RATIO		= 1		// best quality
const DEFAULT_COMP_RATIO	= 64
const MAX_COMP_RATIO		= 255	// smallest output

const MAX_DIM_420	= 65520
const MAX_DIM_422	= 65528

var (
	ErrImageSize			= fmt.Errorf("%w: unsupported image size", c.ErrInvalidArgument)
	ErrInvalidCompRatio		= fmt.Errorf("%w: compression ratio out of range", c.ErrInvalidArgument)
	ErrInvalidPixelFormat	= fmt.Errorf("%w: unknown pixel format", c.ErrInvalidArgument)
	ErrInvalidHeaderMode	= fmt.Errorf("%w: unknown header mode", c.ErrInvalidArgument)
	ErrInvalidPointer		= fmt.Errorf("%w: nil or misaligned buffer", c.ErrInvalidArgument)
	// reported at encode time, the output size is only known after encoding
	ErrInsufficientBuffer	= errors.New("output buffer too small")
)

// JpegEncoder turns planar YCbCr frames into JPEG images.
type JpegEncoder struct {
	mu		sync.Mutex
	width	int
	height	int
	format	PixelFormat
	out		[]byte
	ratio	int
	header	HeaderMode
	regionW	int
	regionH	int
	live	bool
}

func checkDims(width int, height int, pf PixelFormat) error {
	var mult, max int
	switch pf {
	case PixelYCbCr420:
		mult, max = 16, MAX_DIM_420
	case PixelYCbCr422:
		mult, max = 8, MAX_DIM_422
	default:
		return ErrInvalidPixelFormat
	}
	if width <= 0 || height <= 0 || width > max || height > max { return ErrImageSize }
	if width % mult != 0 || height % mult != 0 { return ErrImageSize }
	return nil
}

func checkOut(out []byte) error {
	if out == nil { return nil }
	if err := checkBuf("jpeg out", out, 1); err != nil { return fmt.Errorf("%w (%v)", ErrInvalidPointer, err) }
	return nil
}

// NewJpegEncoder initializes an encoder for width x height frames. out may be nil and
// set later with SetOutputAddr.
func NewJpegEncoder(width int, height int, pf PixelFormat, out []byte) (*JpegEncoder, error) {
	if err := checkDims(width, height, pf); err != nil { return nil, err }
	if err := checkOut(out); err != nil { return nil, err }
	return &JpegEncoder{
		width:		width,
		height:		height,
		format:		pf,
		out:		out,
		ratio:		DEFAULT_COMP_RATIO,
		header:		HeaderJPEG,
		regionW:	width,
		regionH:	height,
		live:		true,
	}, nil
}

// WithJpegEncoder runs fn with a fresh encoder and always ends it afterwards.
func WithJpegEncoder(width int, height int, pf PixelFormat, out []byte, fn func(*JpegEncoder) error) error {
	enc, err := NewJpegEncoder(width, height, pf, out)
	if err != nil { return err }
	defer enc.End()
	return fn(enc)
}

func (e *JpegEncoder) ID() string {
	return ctxID("jpegenc", e)
}

// InputSize is the size of one planar frame: the Y plane then Cb then Cr.
func (e *JpegEncoder) InputSize() int {
	if e.format == PixelYCbCr420 { return e.width * e.height * 3 / 2 }
	return e.width * e.height * 2
}

func (e *JpegEncoder) SetCompressionRatio(ratio int) error {
	if ratio < MIN_COMP_RATIO || ratio > MAX_COMP_RATIO { return ErrInvalidCompRatio }
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live { return c.ErrContextNotInitialized }
	e.ratio = ratio
	return nil
}

func (e *JpegEncoder) SetHeaderMode(mode HeaderMode) error {
	if mode != HeaderJPEG && mode != HeaderMJPEG { return ErrInvalidHeaderMode }
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live { return c.ErrContextNotInitialized }
	e.header = mode
	return nil
}

func (e *JpegEncoder) SetOutputAddr(out []byte) error {
	if out == nil { return ErrInvalidPointer }
	if err := checkOut(out); err != nil { return err }
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live { return c.ErrContextNotInitialized }
	e.out = out
	return nil
}

// SetValidRegion limits encoding to the top-left width x height of each frame.
func (e *JpegEncoder) SetValidRegion(width int, height int) error {
	if width <= 0 || height <= 0 || width > e.width || height > e.height { return ErrImageSize }
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live { return c.ErrContextNotInitialized }
	e.regionW, e.regionH = width, height
	return nil
}

// Check validates an input frame without encoding it.
func (e *JpegEncoder) Check(in []byte) error {
	if e == nil { return c.Invalid("nil encoder") }
	if err := checkBuf("jpeg in", in, e.InputSize()); err != nil {
		return fmt.Errorf("%w (%v)", ErrInvalidPointer, err)
	}
	return nil
}

// quality maps the 1..255 ratio onto 100..1
func quality(ratio int) int {
	return 100 - (ratio - MIN_COMP_RATIO) * 99 / (MAX_COMP_RATIO - MIN_COMP_RATIO)
}

// Encode writes one JPEG into the output buffer and returns its size.
func (e *JpegEncoder) Encode(in []byte) (int, error) {
	if err := e.Check(in); err != nil { return 0, err }
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live { return 0, c.ErrContextNotInitialized }
	if e.out == nil { return 0, ErrInvalidPointer }

	cw := e.width / 2
	ch := e.height
	sub := image.YCbCrSubsampleRatio422
	if e.format == PixelYCbCr420 {
		ch = e.height / 2
		sub = image.YCbCrSubsampleRatio420
	}
	ySize := e.width * e.height
	cSize := cw * ch
	img := &image.YCbCr{
		Y:				in[:ySize],
		Cb:				in[ySize : ySize+cSize],
		Cr:				in[ySize+cSize : ySize+2*cSize],
		YStride:		e.width,
		CStride:		cw,
		SubsampleRatio:	sub,
		Rect:			image.Rect(0, 0, e.width, e.height),
	}
	var src image.Image = img
	if e.regionW != e.width || e.regionH != e.height {
		src = img.SubImage(image.Rect(0, 0, e.regionW, e.regionH))
	}

	var b bytes.Buffer
	if err := jpeg.Encode(&b, src, &jpeg.Options{Quality: quality(e.ratio)}); err != nil {
		return 0, c.Collab("jpeg encode", err)
	}
	data := b.Bytes()
	if e.header == HeaderMJPEG { data = stripDHT(data) }
	if len(data) > len(e.out) {
		return 0, c.Collab("jpeg encode", fmt.Errorf("%w: need %d have %d", ErrInsufficientBuffer, len(data), len(e.out)))
	}
	return copy(e.out, data), nil
}

// End terminates the encoder. Idempotent.
func (e *JpegEncoder) End() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live = false
	e.out = nil
	return nil
}

// stripDHT drops every Huffman table segment ahead of the scan data.
func stripDHT(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 { return data }
	out := make([]byte, 0, len(data))
	out = append(out, data[:2]...)
	i := 2
	for i + 4 <= len(data) {
		if data[i] != 0xff { break }
		marker := data[i+1]
		if marker == 0xda { break } // SOS, entropy coded data follows
		seg := 2 + (int(data[i+2])<<8 | int(data[i+3]))
		if i + seg > len(data) { break }
		if marker != 0xc4 { out = append(out, data[i:i+seg]...) }
		i += seg
	}
	return append(out, data[i:]...)
}
