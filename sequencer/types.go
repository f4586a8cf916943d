package sequencer

// StreamDescription identifies one data stream exposed by a deserializer.
// Every sequence carries one data item per stream, and all streams of a
// sequence share the same sample count.
type StreamDescription struct {
	// Name of the stream (e.g. "features", "labels").
	Name string

	// SampleDim is the number of float32 values per sample in this stream.
	SampleDim int
}

// ChunkDescription describes one storage-level chunk. Chunk ids are dense,
// start at 0 and follow storage order.
type ChunkDescription struct {
	ID                int
	NumberOfSamples   int
	NumberOfSequences int
}

// SequenceDescription describes one sequence inside a chunk. The id is unique
// within the owning chunk only.
type SequenceDescription struct {
	ID              int
	ChunkID         int
	NumberOfSamples int
}

// SequenceData holds the materialized data of one sequence for one stream as
// a flat buffer of NumberOfSamples x SampleDim float32 values.
type SequenceData struct {
	NumberOfSamples int
	Samples         []float32
}

// Deserializer is the data source boundary. Implementations expose the
// dataset as an ordered list of chunks, produce sequence descriptions per
// chunk on demand, and materialize chunk data lazily.
//
// Descriptions are requested once at construction; SequencesForChunk is
// called whenever the resident sequence window changes; Chunk is called for
// chunk ids newly referenced by a batch.
type Deserializer interface {
	StreamDescriptions() []StreamDescription
	ChunkDescriptions() []ChunkDescription
	SequencesForChunk(chunkID int) ([]SequenceDescription, error)
	Chunk(chunkID int) (ChunkHandle, error)
}

// ChunkHandle is a materialized, read-only chunk. Sequence returns one
// SequenceData per stream, in stream order.
type ChunkHandle interface {
	Sequence(sequenceID int) ([]*SequenceData, error)
}

// FullDataSize requests an epoch spanning the entire dataset. It is the zero
// value, so an EpochConfiguration without an explicit size sweeps once.
const FullDataSize = 0

// EpochConfiguration is supplied by the caller at the start of each epoch.
type EpochConfiguration struct {
	// TotalEpochSizeInSamples is the epoch sample budget. FullDataSize
	// resolves to the dataset's total sample count.
	TotalEpochSizeInSamples int

	// EpochIndex selects which contiguous window of the swept sample
	// stream this epoch covers.
	EpochIndex int

	// NumberOfWorkers and WorkerRank shard the sequence stream: the
	// sequence with global index g belongs to worker g mod NumberOfWorkers.
	NumberOfWorkers int
	WorkerRank      int
}

// ReaderConfiguration is the worker subset of an epoch configuration, used
// when an outer controller relaxes the epoch-size restriction mid-run.
type ReaderConfiguration struct {
	NumberOfWorkers int
	WorkerRank      int
}

// Sequences is one minibatch worth of ordered sequence data.
//
// Data is indexed as Data[stream][record]; the k-th record of every stream
// belongs to the same logical sequence. Data is nil when the batch is empty.
type Sequences struct {
	EndOfEpoch bool
	Data       [][]*SequenceData
}

// NumRecords returns the number of sequences in the batch.
func (s Sequences) NumRecords() int {
	if len(s.Data) == 0 {
		return 0
	}
	return len(s.Data[0])
}
