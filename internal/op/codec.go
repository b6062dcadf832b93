package op

import (
	"context"

	c "aiomgr/internal"
	"aiomgr/internal/codec"
)

// Codec ops serialize on their context, one frame at a time.

type G729Encode struct {
	Enc			*codec.G729Encoder
	Speech		[]byte
	Bitstream	[]byte
}

func (o *G729Encode) Kind() Kind		{ return KindG729Encode }
func (o *G729Encode) Target() string	{ return "codec:" + o.Enc.ID() }

func (o *G729Encode) Validate() error {
	if o.Enc == nil { return c.Invalid("g729 encode: nil context") }
	return o.Enc.Check(o.Speech, o.Bitstream)
}

func (o *G729Encode) Exec(ctx context.Context, env *Env) (Result, error) {
	if err := Checkpoint(ctx); err != nil { return Result{}, err }
	rate, err := o.Enc.Encode(o.Speech, o.Bitstream)
	if err != nil { return Result{}, err }
	return Result{Rate: rate, N: int64(rate.Bytes())}, nil
}

type G729Decode struct {
	Dec			*codec.G729Decoder
	Rate		codec.Rate
	State		codec.FrameState
	Bitstream	[]byte
	Speech		[]byte
}

func (o *G729Decode) Kind() Kind		{ return KindG729Decode }
func (o *G729Decode) Target() string	{ return "codec:" + o.Dec.ID() }

func (o *G729Decode) Validate() error {
	if o.Dec == nil { return c.Invalid("g729 decode: nil context") }
	return o.Dec.Check(o.Rate, o.State, o.Bitstream, o.Speech)
}

func (o *G729Decode) Exec(ctx context.Context, env *Env) (Result, error) {
	if err := Checkpoint(ctx); err != nil { return Result{}, err }
	if err := o.Dec.Decode(o.Rate, o.State, o.Bitstream, o.Speech); err != nil { return Result{}, err }
	return Result{Rate: o.Rate, N: codec.FRAME_BYTES}, nil
}

// JpegEncode writes into the encoder's output buffer, N is the JPEG size.
type JpegEncode struct {
	Enc		*codec.JpegEncoder
	In		[]byte
}

func (o *JpegEncode) Kind() Kind		{ return KindJpegEncode }
func (o *JpegEncode) Target() string	{ return "codec:" + o.Enc.ID() }

func (o *JpegEncode) Validate() error {
	if o.Enc == nil { return c.Invalid("jpeg encode: nil context") }
	return o.Enc.Check(o.In)
}

func (o *JpegEncode) Exec(ctx context.Context, env *Env) (Result, error) {
	if err := Checkpoint(ctx); err != nil { return Result{}, err }
	n, err := o.Enc.Encode(o.In)
	return Result{N: int64(n)}, err
}
