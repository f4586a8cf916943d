package traindata

import (
	"io"
	"testing"

	"github.com/Noofbiz/chunkfeed/packers"
	"github.com/Noofbiz/chunkfeed/sequencer"
)

// frameDeserializer serves single-sample sequences so the frame packer can
// consume every batch: one chunk per entry, sequencesPerChunk sequences each.
// Materialized (chunk, sequence) pairs are logged in fetched, in order.
type frameDeserializer struct {
	streams   []sequencer.StreamDescription
	chunks    []sequencer.ChunkDescription
	sequences [][]sequencer.SequenceDescription
	fetched   [][2]int
}

func newFrameDeserializer(sequencesPerChunk ...int) *frameDeserializer {
	d := &frameDeserializer{
		streams: []sequencer.StreamDescription{
			{Name: "features", SampleDim: 2},
			{Name: "labels", SampleDim: 1},
		},
	}
	for chunkID, count := range sequencesPerChunk {
		sequences := make([]sequencer.SequenceDescription, count)
		for i := range sequences {
			sequences[i] = sequencer.SequenceDescription{ID: i, ChunkID: chunkID, NumberOfSamples: 1}
		}
		d.chunks = append(d.chunks, sequencer.ChunkDescription{
			ID:                chunkID,
			NumberOfSamples:   count,
			NumberOfSequences: count,
		})
		d.sequences = append(d.sequences, sequences)
	}
	return d
}

func (d *frameDeserializer) StreamDescriptions() []sequencer.StreamDescription { return d.streams }
func (d *frameDeserializer) ChunkDescriptions() []sequencer.ChunkDescription   { return d.chunks }

func (d *frameDeserializer) SequencesForChunk(chunkID int) ([]sequencer.SequenceDescription, error) {
	return d.sequences[chunkID], nil
}

func (d *frameDeserializer) Chunk(chunkID int) (sequencer.ChunkHandle, error) {
	return &frameChunkHandle{d: d, chunkID: chunkID}, nil
}

type frameChunkHandle struct {
	d       *frameDeserializer
	chunkID int
}

func (h *frameChunkHandle) Sequence(sequenceID int) ([]*sequencer.SequenceData, error) {
	h.d.fetched = append(h.d.fetched, [2]int{h.chunkID, sequenceID})
	v := float32(10*h.chunkID + sequenceID)
	return []*sequencer.SequenceData{
		{NumberOfSamples: 1, Samples: []float32{v, v + 1}},
		{NumberOfSamples: 1, Samples: []float32{-v}},
	}, nil
}

func newTestDataset(t *testing.T, batchSamples int) *Dataset {
	t.Helper()
	seq, err := sequencer.NewSequencer(newFrameDeserializer(3, 2, 3), false, false)
	if err != nil {
		t.Fatalf("NewSequencer failed: %v", err)
	}
	ds, err := New("test", seq, packers.FramePacker{}, sequencer.EpochConfiguration{NumberOfWorkers: 1}, batchSamples, "labels")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ds
}

func TestDatasetYieldsWholeEpoch(t *testing.T) {
	ds := newTestDataset(t, 3)

	if got := ds.Name(); got != "test" {
		t.Fatalf("Name() = %q, want %q", got, "test")
	}

	batches := 0
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Yield failed: %v", err)
		}
		if len(inputs) != 1 {
			t.Fatalf("got %d input tensors, want 1", len(inputs))
		}
		if len(labels) != 1 {
			t.Fatalf("got %d label tensors, want 1", len(labels))
		}
		if inputs[0] == nil || labels[0] == nil {
			t.Fatal("Yield returned nil tensor(s)")
		}
		batches++
	}

	// 8 single-sample sequences in batches of 3.
	if batches != 3 {
		t.Fatalf("epoch yielded %d batches, want 3", batches)
	}

	// Exhausted datasets keep reporting EOF until Reset.
	if _, _, _, err := ds.Yield(); err != io.EOF {
		t.Fatalf("Yield after EOF returned %v, want io.EOF", err)
	}
}

func TestDatasetReset(t *testing.T) {
	ds := newTestDataset(t, 4)

	countBatches := func() int {
		t.Helper()
		n := 0
		for {
			_, _, _, err := ds.Yield()
			if err == io.EOF {
				return n
			}
			if err != nil {
				t.Fatalf("Yield failed: %v", err)
			}
			n++
		}
	}

	first := countBatches()
	ds.Reset()
	second := countBatches()
	if first == 0 || first != second {
		t.Fatalf("epochs differ after Reset: first=%d second=%d", first, second)
	}
}

// TestMultiWorkerYieldsOnlyOwnShard runs a rank-1 dataset over a two-worker
// epoch: calls whose global range holds no rank-1 sequence must be skipped
// rather than failed, and only the rank's shard is materialized.
func TestMultiWorkerYieldsOnlyOwnShard(t *testing.T) {
	d := newFrameDeserializer(3, 2, 3)
	seq, err := sequencer.NewSequencer(d, false, false)
	if err != nil {
		t.Fatalf("NewSequencer failed: %v", err)
	}
	// Budget 1 makes every sequencer call cover exactly one global
	// sequence, so rank 1's first call is empty (sequence 0 belongs to
	// rank 0).
	ds, err := New("rank1", seq, packers.FramePacker{}, sequencer.EpochConfiguration{NumberOfWorkers: 2, WorkerRank: 1}, 1, "labels")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	yields := 0
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Yield %d failed: %v", yields, err)
		}
		if len(inputs) != 1 || len(labels) != 1 {
			t.Fatalf("Yield %d: got %d inputs and %d labels, want 1 and 1", yields, len(inputs), len(labels))
		}
		yields++
	}
	if yields != 4 {
		t.Fatalf("rank 1 yielded %d batches, want 4 (its half of 8 sequences)", yields)
	}

	// Global sequence order is (0,0)..(0,2),(1,0),(1,1),(2,0)..(2,2);
	// rank 1 owns the odd global indices.
	want := [][2]int{{0, 1}, {1, 0}, {2, 0}, {2, 2}}
	if len(d.fetched) != len(want) {
		t.Fatalf("materialized %d sequences, want %d: %v", len(d.fetched), len(want), d.fetched)
	}
	for i, w := range want {
		if d.fetched[i] != w {
			t.Errorf("materialization %d: got chunk %d seq %d, want chunk %d seq %d",
				i, d.fetched[i][0], d.fetched[i][1], w[0], w[1])
		}
	}
}

func TestNewValidation(t *testing.T) {
	seq, err := sequencer.NewSequencer(newFrameDeserializer(2), false, false)
	if err != nil {
		t.Fatalf("NewSequencer failed: %v", err)
	}
	cfg := sequencer.EpochConfiguration{NumberOfWorkers: 1}

	if _, err := New("bad", seq, packers.FramePacker{}, cfg, 0, ""); err == nil {
		t.Fatal("expected error for non-positive batch budget")
	}
	if _, err := New("bad", seq, packers.FramePacker{}, cfg, 2, "nope"); err == nil {
		t.Fatal("expected error for unknown label stream")
	}
}

func TestNoLabelStream(t *testing.T) {
	seq, err := sequencer.NewSequencer(newFrameDeserializer(2), false, false)
	if err != nil {
		t.Fatalf("NewSequencer failed: %v", err)
	}
	ds, err := New("unlabeled", seq, packers.FramePacker{}, sequencer.EpochConfiguration{NumberOfWorkers: 1}, 2, "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, inputs, labels, err := ds.Yield()
	if err != nil {
		t.Fatalf("Yield failed: %v", err)
	}
	if len(inputs) != 2 || len(labels) != 0 {
		t.Fatalf("got %d inputs and %d labels, want 2 and 0", len(inputs), len(labels))
	}
}
