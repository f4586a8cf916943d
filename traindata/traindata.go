// Package traindata adapts a sequencer plus a batch packer to the gomlx
// train.Dataset interface, so the chunked sequential stream can feed gomlx
// training loops directly.
package traindata

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/chunkfeed/packers"
	"github.com/Noofbiz/chunkfeed/sequencer"
)

// Dataset yields one packed minibatch per call. It reports io.EOF once the
// sequencer's epoch window is exhausted; Reset restarts the same epoch.
//
// Like the sequencer it wraps, a Dataset is single-threaded. Wrap it in a
// parallelizing dataset upstream if concurrent Yield calls are needed.
type Dataset struct {
	name         string
	seq          *sequencer.Sequencer
	packer       packers.Packer
	config       sequencer.EpochConfiguration
	batchSamples int

	// labelStream is the index of the stream yielded as labels, or -1 when
	// every stream is an input.
	labelStream int

	resetErr error
}

// New starts the configured epoch on the sequencer and returns a Dataset
// pulling batches of batchSamples from it. labelStream names the stream to
// yield as labels; an empty name yields all streams as inputs.
func New(name string, seq *sequencer.Sequencer, packer packers.Packer, config sequencer.EpochConfiguration, batchSamples int, labelStream string) (*Dataset, error) {
	if batchSamples <= 0 {
		return nil, errors.Errorf("traindata: batch sample budget must be positive, got %d", batchSamples)
	}

	labelIndex := -1
	if labelStream != "" {
		for j, stream := range seq.Streams() {
			if stream.Name == labelStream {
				labelIndex = j
				break
			}
		}
		if labelIndex == -1 {
			return nil, errors.Errorf("traindata: label stream %q not found", labelStream)
		}
	}

	if err := seq.StartEpoch(config); err != nil {
		return nil, err
	}

	return &Dataset{
		name:         name,
		seq:          seq,
		packer:       packer,
		config:       config,
		batchSamples: batchSamples,
		labelStream:  labelIndex,
	}, nil
}

// Name implements train.Dataset.
func (d *Dataset) Name() string { return d.name }

// Reset implements train.Dataset by restarting the configured epoch. A
// failure is reported by the next Yield call, since Reset cannot return one.
func (d *Dataset) Reset() {
	d.resetErr = d.seq.StartEpoch(d.config)
	if d.resetErr != nil {
		klog.Errorf("traindata: reset of %s failed: %v", d.name, d.resetErr)
	}
}

// Yield implements train.Dataset. The mask tensor of sequence-mode packing
// is appended to the inputs.
//
// Under multi-worker decimation a single sequencer call can come back empty
// when every sequence in the global range belongs to another rank; Yield
// keeps pulling until a batch has records or the epoch ends.
func (d *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if d.resetErr != nil {
		err = d.resetErr
		d.resetErr = nil
		return nil, nil, nil, err
	}

	var batch sequencer.Sequences
	for {
		batch, err = d.seq.GetNextSequences(d.batchSamples)
		if err != nil {
			return nil, nil, nil, err
		}
		if batch.NumRecords() > 0 {
			break
		}
		if batch.EndOfEpoch {
			return nil, nil, nil, io.EOF
		}
	}

	mb, err := d.packer.PackBatch(d.seq.Streams(), batch)
	if err != nil {
		return nil, nil, nil, err
	}

	for j, t := range mb.Streams {
		if j == d.labelStream {
			labels = append(labels, t)
			continue
		}
		inputs = append(inputs, t)
	}
	if mb.Mask != nil {
		inputs = append(inputs, mb.Mask)
	}
	return nil, inputs, labels, nil
}
