// Package sequencer implements a deterministic, chunk-based sequential
// iterator over a dataset exposed by a Deserializer. It walks chunks and
// sequences in storage order, converts an epoch index plus sample budget into
// concrete minibatches, shards the sequence stream across cooperating workers
// and wraps around the dataset when an epoch spans more than one sweep.
//
// A Sequencer is stateful and single-threaded: calls that move the cursor
// must be serialized by the caller (typically one Sequencer per worker rank).
// The only internal parallelism is the optional per-record materialization
// fan-out inside GetNextSequences.
package sequencer

import (
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// noChunk marks the "no chunk resident yet" cursor state before the first
// epoch is started.
const noChunk = -1

// Sequencer enumerates sequences in storage order. Create one with
// NewSequencer, position it with StartEpoch and pull minibatches with
// GetNextSequences.
type Sequencer struct {
	deserializer Deserializer
	streams      []StreamDescription
	chunks       []ChunkDescription

	// chunkSampleOffset[i] is the cumulative sample count of all chunks
	// before chunk i.
	chunkSampleOffset []int
	totalSamples      int

	// localTimeline charges the sample budget only for sequences this
	// worker keeps; otherwise every visited sequence is charged.
	localTimeline bool
	parallelFetch bool

	config EpochConfiguration

	currentChunk           int
	currentSequenceInChunk int
	globalSamplePosition   int
	globalSequencePosition int

	// sequenceWindow holds the descriptions of the currently resident
	// chunk only.
	sequenceWindow []SequenceDescription

	// resident maps chunk id to its materialized handle. It is replaced
	// wholesale on every GetNextSequences call with exactly the chunk ids
	// referenced by that batch.
	resident map[int]ChunkHandle
}

// NewSequencer builds a Sequencer over the given deserializer. localTimeline
// selects per-worker budget accounting (see EpochConfiguration); parallelFetch
// enables the per-record materialization fan-out in GetNextSequences.
//
// Only descriptions are read here; no chunk data is materialized.
func NewSequencer(d Deserializer, localTimeline, parallelFetch bool) (*Sequencer, error) {
	if d == nil {
		return nil, errors.New("sequencer: deserializer is nil")
	}

	s := &Sequencer{
		deserializer:  d,
		streams:       d.StreamDescriptions(),
		chunks:        d.ChunkDescriptions(),
		localTimeline: localTimeline,
		parallelFetch: parallelFetch,
		currentChunk:  noChunk,
		resident:      make(map[int]ChunkHandle),
	}

	s.chunkSampleOffset = make([]int, 0, len(s.chunks))
	sampleCount := 0
	for _, chunk := range s.chunks {
		if chunk.ID != len(s.chunkSampleOffset) {
			return nil, errors.Errorf("sequencer: chunk at position %d has id %d, chunk ids must be dense and in storage order",
				len(s.chunkSampleOffset), chunk.ID)
		}
		s.chunkSampleOffset = append(s.chunkSampleOffset, sampleCount)
		sampleCount += chunk.NumberOfSamples
	}

	if sampleCount == 0 {
		return nil, errors.New("sequencer: expected input to contain samples, but the number of successfully read samples was 0")
	}
	s.totalSamples = sampleCount

	return s, nil
}

// Streams returns the stream descriptions of the underlying deserializer.
func (s *Sequencer) Streams() []StreamDescription {
	return s.streams
}

// TotalSamples returns the sample count of one full sweep over the dataset.
func (s *Sequencer) TotalSamples() int {
	return s.totalSamples
}

// chunkIndexOf returns the index of the chunk owning the given sweep-relative
// sample position (upper bound over the offset table, minus one).
func (s *Sequencer) chunkIndexOf(samplePosition int) int {
	i := sort.Search(len(s.chunkSampleOffset), func(i int) bool {
		return s.chunkSampleOffset[i] > samplePosition
	})
	return i - 1
}

// StartEpoch stores the configuration and positions the cursor at the epoch's
// absolute starting sample. Epochs are non-overlapping contiguous windows
// over the infinitely repeating sample stream, so the start position is
// TotalEpochSizeInSamples * EpochIndex.
func (s *Sequencer) StartEpoch(config EpochConfiguration) error {
	if config.NumberOfWorkers < 1 {
		return errors.Errorf("sequencer: number of workers must be at least 1, got %d", config.NumberOfWorkers)
	}
	if config.WorkerRank < 0 || config.WorkerRank >= config.NumberOfWorkers {
		return errors.Errorf("sequencer: worker rank %d out of range [0, %d)", config.WorkerRank, config.NumberOfWorkers)
	}

	s.config = config
	if s.config.TotalEpochSizeInSamples == FullDataSize {
		s.config.TotalEpochSizeInSamples = s.totalSamples
	}

	return s.SetCurrentSamplePosition(s.config.TotalEpochSizeInSamples * config.EpochIndex)
}

// SetConfiguration replaces the live worker configuration and removes the
// epoch-size restriction: the epoch becomes effectively unbounded and the
// epoch index resets to 0. The chunk/sequence cursor is left untouched.
func (s *Sequencer) SetConfiguration(config ReaderConfiguration) error {
	if config.NumberOfWorkers < 1 {
		return errors.Errorf("sequencer: number of workers must be at least 1, got %d", config.NumberOfWorkers)
	}
	if config.WorkerRank < 0 || config.WorkerRank >= config.NumberOfWorkers {
		return errors.Errorf("sequencer: worker rank %d out of range [0, %d)", config.WorkerRank, config.NumberOfWorkers)
	}

	s.config.NumberOfWorkers = config.NumberOfWorkers
	s.config.WorkerRank = config.WorkerRank
	s.config.TotalEpochSizeInSamples = math.MaxInt / 2
	s.config.EpochIndex = 0
	return nil
}

// GetCurrentSamplePosition returns the absolute sample position, counted from
// the start of training and never wrapped.
func (s *Sequencer) GetCurrentSamplePosition() int {
	return s.globalSamplePosition
}

// moveToNextSequence advances the cursor to the next sequence, loading the
// next chunk's sequence window (modulo the chunk count) when the current one
// is exhausted. This is the only place window residency changes outside
// SetCurrentSamplePosition.
func (s *Sequencer) moveToNextSequence() error {
	if s.currentSequenceInChunk+1 >= s.chunks[s.currentChunk].NumberOfSequences {
		s.currentChunk = (s.currentChunk + 1) % len(s.chunks)
		s.currentSequenceInChunk = 0
		return s.loadSequenceWindow()
	}
	s.currentSequenceInChunk++
	return nil
}

func (s *Sequencer) loadSequenceWindow() error {
	window, err := s.deserializer.SequencesForChunk(s.chunks[s.currentChunk].ID)
	if err != nil {
		return errors.Wrapf(err, "sequencer: loading sequence descriptions for chunk %d", s.chunks[s.currentChunk].ID)
	}
	if len(window) != s.chunks[s.currentChunk].NumberOfSequences {
		return errors.Errorf("sequencer: chunk %d returned %d sequence descriptions, expected %d",
			s.chunks[s.currentChunk].ID, len(window), s.chunks[s.currentChunk].NumberOfSequences)
	}
	s.sequenceWindow = window
	return nil
}

// getNextSequenceDescriptions consumes sequences from the cursor until the
// sample budget is exhausted, returning only the sequences owned by this
// worker rank. Every visited sequence, kept or not, advances the global
// cursors, so all ranks stay synchronized on chunk/sequence position.
//
// The loop continues while the next sequence still fits the remaining budget,
// which guarantees at least one sequence per call and allows the realized
// batch to overshoot the budget by up to one sequence.
func (s *Sequencer) getNextSequenceDescriptions(sampleCount int) ([]SequenceDescription, error) {
	samples := sampleCount
	var result []SequenceDescription

	for {
		sequence := s.sequenceWindow[s.currentSequenceInChunk]

		decimated := false
		if s.globalSequencePosition%s.config.NumberOfWorkers == s.config.WorkerRank {
			result = append(result, sequence)
			decimated = true
		}

		if !s.localTimeline || decimated {
			samples -= sequence.NumberOfSamples
		}

		s.globalSamplePosition += sequence.NumberOfSamples
		s.globalSequencePosition++

		if err := s.moveToNextSequence(); err != nil {
			return nil, err
		}

		if samples-s.sequenceWindow[s.currentSequenceInChunk].NumberOfSamples < 0 {
			return result, nil
		}
	}
}

// GetNextSequences returns the next minibatch, bounded by sampleCount and
// clamped so a single call never crosses a sweep boundary. EndOfEpoch is set
// once the absolute position reaches the end of the epoch window; the batch
// data of an epoch-ending call may still be non-empty.
func (s *Sequencer) GetNextSequences(sampleCount int) (Sequences, error) {
	var result Sequences
	if s.currentChunk == noChunk {
		return result, errors.New("sequencer: StartEpoch must be called before GetNextSequences")
	}
	if sampleCount <= 0 {
		return result, errors.Errorf("sequencer: sample count must be positive, got %d", sampleCount)
	}

	endOfEpochPosition := s.config.TotalEpochSizeInSamples * (s.config.EpochIndex + 1)
	if s.globalSamplePosition >= endOfEpochPosition {
		result.EndOfEpoch = true
		return result, nil
	}

	// Clamp so the batch does not cross the sweep boundary.
	sweepPosition := s.globalSamplePosition % s.totalSamples
	if remaining := s.totalSamples - sweepPosition; sampleCount > remaining {
		sampleCount = remaining
	}

	batch, err := s.getNextSequenceDescriptions(sampleCount)
	if err != nil {
		return Sequences{}, err
	}

	// The global position was already advanced by the batch's full extent.
	result.EndOfEpoch = s.globalSamplePosition >= endOfEpochPosition
	if len(batch) == 0 {
		return result, nil
	}

	if err := s.refreshResidentChunks(batch); err != nil {
		return Sequences{}, err
	}

	result.Data = make([][]*SequenceData, len(s.streams))
	for j := range result.Data {
		result.Data[j] = make([]*SequenceData, len(batch))
	}

	if err := s.fetchBatch(batch, result.Data); err != nil {
		return Sequences{}, err
	}
	return result, nil
}

// refreshResidentChunks replaces the resident chunk cache with exactly the
// chunk ids referenced by the batch, reusing handles already resident from
// the previous call and materializing the rest.
func (s *Sequencer) refreshResidentChunks(batch []SequenceDescription) error {
	next := make(map[int]ChunkHandle)
	for _, sequence := range batch {
		if _, ok := next[sequence.ChunkID]; ok {
			continue
		}
		if handle, ok := s.resident[sequence.ChunkID]; ok {
			next[sequence.ChunkID] = handle
			continue
		}
		klog.V(2).Infof("sequencer: materializing chunk %d", sequence.ChunkID)
		handle, err := s.deserializer.Chunk(sequence.ChunkID)
		if err != nil {
			return errors.Wrapf(err, "sequencer: materializing chunk %d", sequence.ChunkID)
		}
		next[sequence.ChunkID] = handle
	}
	s.resident = next
	return nil
}

// fetchBatch copies per-stream sequence data into the pre-sized output, one
// record per batch index. In parallel mode records are fetched by a bounded
// worker pool; each task writes only its own index and the first failure is
// surfaced once after all tasks complete.
func (s *Sequencer) fetchBatch(batch []SequenceDescription, out [][]*SequenceData) error {
	fetch := func(i int) error {
		description := batch[i]
		handle, ok := s.resident[description.ChunkID]
		if !ok {
			return errors.Errorf("sequencer: chunk %d referenced by the batch is not resident", description.ChunkID)
		}
		data, err := handle.Sequence(description.ID)
		if err != nil {
			return errors.Wrapf(err, "sequencer: reading sequence %d of chunk %d", description.ID, description.ChunkID)
		}
		if len(data) != len(s.streams) {
			return errors.Errorf("sequencer: sequence %d of chunk %d carries %d streams, expected %d",
				description.ID, description.ChunkID, len(data), len(s.streams))
		}
		for j := range s.streams {
			out[j][i] = data[j]
		}
		return nil
	}

	if !s.parallelFetch {
		for i := range batch {
			if err := fetch(i); err != nil {
				return err
			}
		}
		return nil
	}

	workerCount := runtime.NumCPU()
	if workerCount > len(batch) {
		workerCount = len(batch)
	}

	jobs := make(chan int, len(batch))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	wg.Add(workerCount)

	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := fetch(i); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

	for i := range batch {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return firstErr
}

// SetCurrentSamplePosition repositions the cursor to an absolute sample
// position. The owning chunk is found by binary search over the offset table;
// the cursor then walks forward within the chunk until the accumulated sample
// count matches the requested intra-chunk offset. Linear in the chunk's
// sequence count, which is acceptable since repositioning happens at epoch
// boundaries only.
func (s *Sequencer) SetCurrentSamplePosition(samplePosition int) error {
	if samplePosition < 0 {
		return errors.Errorf("sequencer: sample position must be non-negative, got %d", samplePosition)
	}

	s.currentSequenceInChunk = 0
	s.globalSamplePosition = samplePosition
	sweepSamplePosition := s.globalSamplePosition % s.totalSamples

	chunkIndex := s.chunkIndexOf(sweepSamplePosition)
	if chunkIndex != s.currentChunk {
		s.currentChunk = chunkIndex
		s.currentSequenceInChunk = 0
		if err := s.loadSequenceWindow(); err != nil {
			return err
		}
	}

	// Walk the sequence cursor inside the chunk to match the sample offset.
	sampleOffsetInsideChunk := sweepSamplePosition - s.chunkSampleOffset[s.currentChunk]
	numberOfSamples := 0
	for s.currentSequenceInChunk < len(s.sequenceWindow) && numberOfSamples < sampleOffsetInsideChunk {
		numberOfSamples += s.sequenceWindow[s.currentSequenceInChunk].NumberOfSamples
		if err := s.moveToNextSequence(); err != nil {
			return err
		}
	}

	// The requested position may fall inside a sequence; snap the global
	// position to the boundary the cursor actually landed on.
	s.globalSamplePosition = s.globalSamplePosition - sampleOffsetInsideChunk + numberOfSamples

	s.globalSequencePosition = 0
	for i := 0; i < s.currentChunk; i++ {
		s.globalSequencePosition += s.chunks[i].NumberOfSequences
	}
	s.globalSequencePosition += s.currentSequenceInChunk

	return nil
}
