// Package packers converts the ordered, index-aligned per-stream sequence
// batches produced by the sequencer into dense minibatch layouts.
//
// Two policies exist: frame mode packs single-sample sequences into a flat
// [batch][dim] layout with no time axis, while sequence mode pads
// variable-length sequences into a [batch][time][dim] layout with a
// [batch][time] mask for downstream masking. Batches are first flattened into
// contiguous float32 buffers and converted to gomlx tensors as a separate,
// well-defined step.
package packers

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/Noofbiz/chunkfeed/sequencer"
)

// Minibatch is the dense layout handed to a training loop: one tensor per
// stream, plus a mask in sequence mode (nil in frame mode). Streams is nil
// for an empty batch.
type Minibatch struct {
	Streams    []*tensors.Tensor
	Mask       *tensors.Tensor
	NumRecords int
	EndOfEpoch bool
}

// Packer turns one sequencer batch into a Minibatch. The policy choice is
// orthogonal to the sequencer; both packers consume the same input contract.
type Packer interface {
	PackBatch(streams []sequencer.StreamDescription, batch sequencer.Sequences) (*Minibatch, error)
}

// FramePacker packs batches whose sequences are exactly one sample each.
type FramePacker struct{}

// PackBatch implements Packer.
func (FramePacker) PackBatch(streams []sequencer.StreamDescription, batch sequencer.Sequences) (*Minibatch, error) {
	flat, err := MakeFrameBatchFlat(streams, batch)
	if err != nil {
		return nil, err
	}
	mb := &Minibatch{NumRecords: flat.NumRecords, EndOfEpoch: flat.EndOfEpoch}
	if flat.NumRecords == 0 {
		return mb, nil
	}
	mb.Streams, err = flat.ToGomlxTensors()
	if err != nil {
		return nil, err
	}
	return mb, nil
}

// SequencePacker packs variable-length sequences with padding and masking.
type SequencePacker struct{}

// PackBatch implements Packer.
func (SequencePacker) PackBatch(streams []sequencer.StreamDescription, batch sequencer.Sequences) (*Minibatch, error) {
	flat, err := MakeSequenceBatchFlat(streams, batch)
	if err != nil {
		return nil, err
	}
	mb := &Minibatch{NumRecords: flat.NumRecords, EndOfEpoch: flat.EndOfEpoch}
	if flat.NumRecords == 0 {
		return mb, nil
	}
	mb.Streams, mb.Mask, err = flat.ToGomlxTensors()
	if err != nil {
		return nil, err
	}
	return mb, nil
}

// FrameBatchFlat stores a frame-mode minibatch in flat contiguous buffers,
// one per stream, each of NumRecords x Dims[j] values.
type FrameBatchFlat struct {
	Streams    [][]float32
	Dims       []int
	NumRecords int
	EndOfEpoch bool
}

// MakeFrameBatchFlat flattens a batch of single-sample sequences. A sequence
// with more than one sample is an error; frame mode has no time axis.
func MakeFrameBatchFlat(streams []sequencer.StreamDescription, batch sequencer.Sequences) (*FrameBatchFlat, error) {
	n := batch.NumRecords()
	flat := &FrameBatchFlat{NumRecords: n, EndOfEpoch: batch.EndOfEpoch}
	if n == 0 {
		return flat, nil
	}
	if len(batch.Data) != len(streams) {
		return nil, errors.Errorf("batch carries %d streams, descriptions name %d", len(batch.Data), len(streams))
	}

	flat.Streams = make([][]float32, len(streams))
	flat.Dims = make([]int, len(streams))
	for j, stream := range streams {
		dim := stream.SampleDim
		buf := make([]float32, n*dim)
		for i, record := range batch.Data[j] {
			if record.NumberOfSamples != 1 {
				return nil, errors.Errorf("frame packing requires single-sample sequences, record %d of stream %q has %d samples",
					i, stream.Name, record.NumberOfSamples)
			}
			if len(record.Samples) != dim {
				return nil, errors.Errorf("record %d of stream %q has %d values, want %d", i, stream.Name, len(record.Samples), dim)
			}
			copy(buf[i*dim:], record.Samples)
		}
		flat.Streams[j] = buf
		flat.Dims[j] = dim
	}

	return flat, nil
}

// ToGomlxTensors converts the flat buffers into one [batch][dim] tensor per
// stream.
func (b *FrameBatchFlat) ToGomlxTensors() ([]*tensors.Tensor, error) {
	if b.NumRecords == 0 {
		return nil, errors.New("cannot convert an empty frame batch to tensors")
	}
	out := make([]*tensors.Tensor, len(b.Streams))
	for j, buf := range b.Streams {
		dim := b.Dims[j]
		rows := make([][]float32, b.NumRecords)
		for i := range rows {
			rows[i] = buf[i*dim : (i+1)*dim]
		}
		out[j] = tensors.FromAnyValue(rows)
	}
	return out, nil
}

// SequenceBatchFlat stores a padded sequence-mode minibatch: per stream a
// flat buffer of NumRecords x MaxTime x Dims[j] values (zero padded past each
// record's length), plus a NumRecords x MaxTime mask of ones over real
// timesteps.
type SequenceBatchFlat struct {
	Streams    [][]float32
	Mask       []float32
	Dims       []int
	NumRecords int
	MaxTime    int
	EndOfEpoch bool
}

// MakeSequenceBatchFlat flattens a batch of variable-length sequences,
// padding every record to the longest one.
func MakeSequenceBatchFlat(streams []sequencer.StreamDescription, batch sequencer.Sequences) (*SequenceBatchFlat, error) {
	n := batch.NumRecords()
	flat := &SequenceBatchFlat{NumRecords: n, EndOfEpoch: batch.EndOfEpoch}
	if n == 0 {
		return flat, nil
	}
	if len(batch.Data) != len(streams) {
		return nil, errors.Errorf("batch carries %d streams, descriptions name %d", len(batch.Data), len(streams))
	}

	maxTime := 0
	for i, record := range batch.Data[0] {
		for j := 1; j < len(batch.Data); j++ {
			if batch.Data[j][i].NumberOfSamples != record.NumberOfSamples {
				return nil, errors.Errorf("record %d sample counts differ across streams: %d vs %d",
					i, record.NumberOfSamples, batch.Data[j][i].NumberOfSamples)
			}
		}
		if record.NumberOfSamples > maxTime {
			maxTime = record.NumberOfSamples
		}
	}
	flat.MaxTime = maxTime

	flat.Streams = make([][]float32, len(streams))
	flat.Dims = make([]int, len(streams))
	for j, stream := range streams {
		dim := stream.SampleDim
		buf := make([]float32, n*maxTime*dim)
		for i, record := range batch.Data[j] {
			if len(record.Samples) != record.NumberOfSamples*dim {
				return nil, errors.Errorf("record %d of stream %q has %d values, want %d",
					i, stream.Name, len(record.Samples), record.NumberOfSamples*dim)
			}
			copy(buf[i*maxTime*dim:], record.Samples)
		}
		flat.Streams[j] = buf
		flat.Dims[j] = dim
	}

	flat.Mask = make([]float32, n*maxTime)
	for i, record := range batch.Data[0] {
		for ts := 0; ts < record.NumberOfSamples; ts++ {
			flat.Mask[i*maxTime+ts] = 1
		}
	}

	return flat, nil
}

// ToGomlxTensors converts the padded buffers into one [batch][time][dim]
// tensor per stream plus the [batch][time] mask tensor.
func (b *SequenceBatchFlat) ToGomlxTensors() ([]*tensors.Tensor, *tensors.Tensor, error) {
	if b.NumRecords == 0 {
		return nil, nil, errors.New("cannot convert an empty sequence batch to tensors")
	}
	out := make([]*tensors.Tensor, len(b.Streams))
	for j, buf := range b.Streams {
		dim := b.Dims[j]
		cube := make([][][]float32, b.NumRecords)
		idx := 0
		for i := range cube {
			cube[i] = make([][]float32, b.MaxTime)
			for ts := 0; ts < b.MaxTime; ts++ {
				cube[i][ts] = buf[idx : idx+dim]
				idx += dim
			}
		}
		out[j] = tensors.FromAnyValue(cube)
	}

	maskRows := make([][]float32, b.NumRecords)
	for i := range maskRows {
		maskRows[i] = b.Mask[i*b.MaxTime : (i+1)*b.MaxTime]
	}
	return out, tensors.FromAnyValue(maskRows), nil
}
