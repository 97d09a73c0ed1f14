// Package checkpoint persists the parameter vector together with the step
// counter it was taken at.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"time"

	"asyntrain/params"

	"github.com/klauspost/compress/zstd"
)

const CodecVersion = 1

var (
	ErrCodecVersion = errors.New("unsupported checkpoint codec version")
	ErrCorrupt      = errors.New("corrupt checkpoint")
)

// Checkpoint is one saved training state.
type Checkpoint struct {
	Run     string
	Step    uint64
	Params  *params.Vector
	SavedAt time.Time
}

type tensorRecord struct {
	Name  string
	Shape []int
	DType string
	Bits  []byte
}

type record struct {
	Version int
	Run     string
	Step    uint64
	SavedAt int64
	Tensors []tensorRecord
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// Encode serializes c. Tensor data is stored as raw IEEE-754 bits so Decode
// reproduces it bit for bit, NaN payloads and signed zeros included.
func Encode(c Checkpoint) ([]byte, error) {
	if c.Params == nil {
		return nil, errors.New("checkpoint has no parameters")
	}
	rec := record{
		Version: CodecVersion,
		Run:     c.Run,
		Step:    c.Step,
		SavedAt: c.SavedAt.UnixNano(),
		Tensors: make([]tensorRecord, len(c.Params.Tensors)),
	}
	for i, t := range c.Params.Tensors {
		bits := make([]byte, 4*len(t.Data))
		for j, x := range t.Data {
			binary.LittleEndian.PutUint32(bits[4*j:], math.Float32bits(x))
		}
		rec.Tensors[i] = tensorRecord{Name: t.Name, Shape: t.Shape, DType: string(t.DType), Bits: bits}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

func Decode(data []byte) (Checkpoint, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("decompress checkpoint: %w", err)
	}
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if rec.Version != CodecVersion {
		return Checkpoint{}, fmt.Errorf("%w: %d", ErrCodecVersion, rec.Version)
	}

	layout := make(params.Layout, len(rec.Tensors))
	for i, t := range rec.Tensors {
		layout[i] = params.Spec{Name: t.Name, Shape: t.Shape, DType: params.DType(t.DType)}
	}
	if err := layout.Validate(); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	v := params.New(layout)
	for i, t := range rec.Tensors {
		if len(t.Bits) != 4*len(v.Tensors[i].Data) {
			return Checkpoint{}, fmt.Errorf("%w: tensor %s has %d bytes for %d elements", ErrCorrupt, t.Name, len(t.Bits), len(v.Tensors[i].Data))
		}
		for j := range v.Tensors[i].Data {
			v.Tensors[i].Data[j] = math.Float32frombits(binary.LittleEndian.Uint32(t.Bits[4*j:]))
		}
	}
	return Checkpoint{
		Run:     rec.Run,
		Step:    rec.Step,
		Params:  v,
		SavedAt: time.Unix(0, rec.SavedAt).UTC(),
	}, nil
}
