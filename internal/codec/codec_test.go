package codec

import (
	"bytes"
	"errors"
	"image/jpeg"
	"testing"

	c "aiomgr/internal"

	"github.com/stretchr/testify/assert"
)

// toyEngine stands in for the speech codec: it "encodes" by folding the PCM frame
// into the bitstream and remembers how it was driven.
type toyEngine struct {
	inits	int
	resets	int
	frames	int
	mode	EncodeMode
	failEnc	error
}

func (e *toyEngine) EncodeContextSize() int { return 0x100 }
func (e *toyEngine) DecodeContextSize() int { return 0x80 }

func (e *toyEngine) EncodeInit(ctx []byte, mode EncodeMode, dtx DTXMode) error {
	e.inits++
	e.mode = mode
	ctx[0] = 0xaa
	return nil
}

func (e *toyEngine) EncodeReset(ctx []byte) error {
	e.resets++
	e.frames = 0
	return nil
}

func (e *toyEngine) Encode(ctx []byte, speech []byte, bitstream []byte) (Rate, error) {
	if e.failEnc != nil { return Rate0, e.failEnc }
	if ctx[0] != 0xaa { return Rate0, errors.New("context not initialized by engine") }
	e.frames++
	rate := e.mode.maxRate()
	for i := range rate.Bytes() {
		bitstream[i] = speech[i] ^ speech[len(speech)-1-i]
	}
	return rate, nil
}

func (e *toyEngine) DecodeInit(ctx []byte) error { e.inits++; return nil }
func (e *toyEngine) DecodeReset(ctx []byte) error { e.resets++; return nil }

func (e *toyEngine) Decode(ctx []byte, rate Rate, state FrameState, bitstream []byte, speech []byte) error {
	e.frames++
	for i := range speech {
		speech[i] = 0
	}
	if state == FrameActive {
		copy(speech, bitstream[:rate.Bytes()])
	}
	return nil
}

func buffer(t *testing.T, size int) []byte {
	b, err := NewBuffer(size)
	if err != nil { t.Fatal(err) }
	t.Cleanup(func() { b.Close() })
	return b.Bytes()
}

func Test_Rate(t *testing.T) {
	assert.Equal(t, 0, Rate0.Bytes())
	assert.Equal(t, 2, RateSID.Bytes())
	assert.Equal(t, 8, Rate6400.Bytes())
	assert.Equal(t, 10, Rate8000.Bytes())
	assert.Equal(t, 15, Rate11800.Bytes())
	assert.False(t, Rate(81).Valid())
}

func Test_Samples_Roundtrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	buf := make([]byte, len(in)*2)
	PutSamples(buf, in)
	assert.Equal(t, []byte{0xff, 0xff}, buf[4:6], "little endian")
	assert.Equal(t, in, Samples(buf))
}

func Test_G729_Encoder_Lifecycle(t *testing.T) {
	eng := &toyEngine{}
	speech := buffer(t, FRAME_BYTES)
	bits := buffer(t, 16)
	for i := range speech {
		speech[i] = byte(i)
	}

	enc, err := NewG729Encoder(eng, ModeG729, DTXDisable)
	if err != nil { t.Fatal(err) }
	assert.Equal(t, 1, eng.inits)
	assert.Equal(t, 10, enc.MaxBitstream())

	rate, err := enc.Encode(speech, bits)
	assert.NoError(t, err)
	assert.Equal(t, Rate8000, rate)
	assert.Equal(t, speech[0]^speech[FRAME_BYTES-1], bits[0])

	assert.NoError(t, enc.Reset())
	assert.Equal(t, 1, eng.resets)

	assert.NoError(t, enc.Close())
	assert.NoError(t, enc.Close())
	_, err = enc.Encode(speech, bits)
	assert.True(t, errors.Is(err, c.ErrContextNotInitialized))
	assert.True(t, errors.Is(enc.Reset(), c.ErrContextNotInitialized))
}

func Test_G729_Encoder_Validation(t *testing.T) {
	eng := &toyEngine{}
	_, err := NewG729Encoder(eng, EncodeMode(7), DTXDisable)
	assert.True(t, errors.Is(err, c.ErrInvalidArgument))
	_, err = NewG729Encoder(nil, ModeG729, DTXDisable)
	assert.True(t, errors.Is(err, c.ErrInvalidArgument))

	speech := buffer(t, FRAME_BYTES+1)
	bits := buffer(t, 32)

	err = WithG729Encoder(eng, ModeG729E, DTXEnable, func(enc *G729Encoder) error {
		_, err := enc.Encode(speech[1:], bits)
		assert.True(t, errors.Is(err, c.ErrInvalidArgument), "misaligned speech")

		_, err = enc.Encode(speech, bits[:14])
		assert.True(t, errors.Is(err, c.ErrInvalidArgument), "G729E needs 15 bytes")

		_, err = enc.Encode(speech[:FRAME_BYTES-2], bits)
		assert.True(t, errors.Is(err, c.ErrInvalidArgument), "short frame")

		eng.failEnc = errors.New("dsp fault")
		_, err = enc.Encode(speech, bits)
		assert.True(t, errors.Is(err, c.ErrCollaboratorFailure))
		return nil
	})
	assert.NoError(t, err)
}

func Test_G729_Decoder(t *testing.T) {
	eng := &toyEngine{}
	speech := buffer(t, FRAME_BYTES)
	bits := buffer(t, 16)
	bits[0], bits[1] = 1, 2

	err := WithG729Decoder(eng, func(dec *G729Decoder) error {
		assert.NoError(t, dec.Decode(Rate8000, FrameActive, bits, speech))
		assert.Equal(t, []byte{1, 2}, speech[:2])

		// erased frames dont need a bitstream
		assert.NoError(t, dec.Decode(Rate8000, FrameErased, nil, speech))
		assert.Equal(t, []byte{0, 0}, speech[:2])

		err := dec.Decode(Rate(3), FrameActive, bits, speech)
		assert.True(t, errors.Is(err, c.ErrInvalidArgument))
		err = dec.Decode(Rate11800, FrameActive, bits[:8], speech)
		assert.True(t, errors.Is(err, c.ErrInvalidArgument))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, eng.frames)
}

func testFrame(t *testing.T, enc *JpegEncoder) []byte {
	in := buffer(t, enc.InputSize())
	for i := range in {
		in[i] = byte(i * 7)
	}
	return in
}

func Test_Jpeg_Encode_Decodes(t *testing.T) {
	out := buffer(t, 0x10000)
	for _, pf := range []PixelFormat{PixelYCbCr420, PixelYCbCr422} {
		enc, err := NewJpegEncoder(64, 32, pf, out)
		if err != nil { t.Fatal(err) }

		n, err := enc.Encode(testFrame(t, enc))
		assert.NoError(t, err)
		assert.Greater(t, n, 0)

		cfg, err := jpeg.DecodeConfig(bytes.NewReader(out[:n]))
		assert.NoError(t, err)
		assert.Equal(t, 64, cfg.Width)
		assert.Equal(t, 32, cfg.Height)

		assert.NoError(t, enc.SetValidRegion(16, 16))
		n, err = enc.Encode(testFrame(t, enc))
		assert.NoError(t, err)
		cfg, err = jpeg.DecodeConfig(bytes.NewReader(out[:n]))
		assert.NoError(t, err)
		assert.Equal(t, 16, cfg.Width)
		assert.Equal(t, 16, cfg.Height)
		enc.End()
	}
}

func Test_Jpeg_Ratio_And_Header(t *testing.T) {
	out := buffer(t, 0x10000)
	enc, err := NewJpegEncoder(32, 32, PixelYCbCr420, out)
	if err != nil { t.Fatal(err) }
	defer enc.End()
	in := testFrame(t, enc)

	assert.Equal(t, 100, quality(MIN_COMP_RATIO))
	assert.Equal(t, 1, quality(MAX_COMP_RATIO))

	assert.NoError(t, enc.SetCompressionRatio(MIN_COMP_RATIO))
	big, err := enc.Encode(in)
	assert.NoError(t, err)
	assert.NoError(t, enc.SetCompressionRatio(MAX_COMP_RATIO))
	small, err := enc.Encode(in)
	assert.NoError(t, err)
	assert.Less(t, small, big)

	assert.True(t, errors.Is(enc.SetCompressionRatio(0), ErrInvalidCompRatio))
	assert.True(t, errors.Is(enc.SetCompressionRatio(256), c.ErrInvalidArgument))

	full, _ := enc.Encode(in)
	assert.True(t, bytes.Contains(out[:full], []byte{0xff, 0xc4}))

	assert.NoError(t, enc.SetHeaderMode(HeaderMJPEG))
	n, err := enc.Encode(in)
	assert.NoError(t, err)
	assert.Less(t, n, full)
	sos := bytes.Index(out[:n], []byte{0xff, 0xda})
	assert.Greater(t, sos, 0)
	assert.False(t, bytes.Contains(out[:sos], []byte{0xff, 0xc4}), "MJPEG header has no DHT")

	assert.True(t, errors.Is(enc.SetHeaderMode(HeaderMode(5)), ErrInvalidHeaderMode))
}

func Test_Jpeg_Errors(t *testing.T) {
	_, err := NewJpegEncoder(30, 32, PixelYCbCr420, nil)
	assert.True(t, errors.Is(err, ErrImageSize))
	_, err = NewJpegEncoder(24, 24, PixelYCbCr420, nil)
	assert.True(t, errors.Is(err, ErrImageSize), "420 needs multiples of 16")
	_, err = NewJpegEncoder(24, 24, PixelYCbCr422, nil)
	assert.NoError(t, err)
	_, err = NewJpegEncoder(MAX_DIM_422+8, 8, PixelYCbCr422, nil)
	assert.True(t, errors.Is(err, ErrImageSize))
	_, err = NewJpegEncoder(16, 16, PixelFormat(1), nil)
	assert.True(t, errors.Is(err, ErrInvalidPixelFormat))

	out := buffer(t, 64)
	_, err = NewJpegEncoder(16, 16, PixelYCbCr420, out[3:])
	assert.True(t, errors.Is(err, ErrInvalidPointer))

	enc, err := NewJpegEncoder(16, 16, PixelYCbCr420, nil)
	if err != nil { t.Fatal(err) }
	in := testFrame(t, enc)

	_, err = enc.Encode(in)
	assert.True(t, errors.Is(err, ErrInvalidPointer), "no output buffer set")

	assert.NoError(t, enc.SetOutputAddr(out))
	_, err = enc.Encode(in)
	assert.True(t, errors.Is(err, ErrInsufficientBuffer))
	assert.True(t, errors.Is(err, c.ErrCollaboratorFailure))

	_, err = enc.Encode(in[:10])
	assert.True(t, errors.Is(err, ErrInvalidPointer))

	assert.True(t, errors.Is(enc.SetValidRegion(32, 8), ErrImageSize))

	enc.End()
	_, err = enc.Encode(in)
	assert.True(t, errors.Is(err, c.ErrContextNotInitialized))
	assert.True(t, errors.Is(enc.SetCompressionRatio(10), c.ErrContextNotInitialized))
}
