// Package csvdata exposes a set of CSV files as a chunked data source for the
// sequencer: one chunk per file, one sequence per consecutive run of rows
// sharing a group-id column, one sample per row.
//
// The package uses lazy loading - descriptions are indexed with a single row
// scan at construction, and the actual float data is only read when a chunk
// is materialized, minimizing memory usage for large files.
package csvdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Noofbiz/chunkfeed/sequencer"
)

// StreamSpec names one output stream and the CSV columns that feed it. The
// stream's sample dimension is the number of columns.
type StreamSpec struct {
	Name    string
	Columns []string
}

// Source implements sequencer.Deserializer over CSV files matching a glob
// pattern. All files must share the header layout of the first file.
type Source struct {
	// Pattern used to find CSV files (e.g., "assets/train/*.csv").
	Pattern string

	csvPaths []string
	groupCol int
	specs    []StreamSpec

	// streamCols[j][k] is the column index of stream j's k-th value.
	streamCols [][]int

	streams   []sequencer.StreamDescription
	chunks    []sequencer.ChunkDescription
	sequences [][]sequencer.SequenceDescription
}

// NewSource indexes all CSV files matching pattern. groupID is the column
// whose consecutive runs delimit sequences; streams define the value columns.
func NewSource(pattern, groupID string, streams []StreamSpec) (*Source, error) {
	csvPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}
	if len(csvPaths) == 0 {
		return nil, fmt.Errorf("no CSV files found matching pattern: %s", pattern)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("at least one stream must be specified")
	}
	// Glob order is not guaranteed; chunk ids follow sorted path order.
	sort.Strings(csvPaths)

	s := &Source{
		Pattern:  pattern,
		csvPaths: csvPaths,
		specs:    streams,
	}

	if err := s.initializeColumns(groupID); err != nil {
		return nil, err
	}
	if err := s.buildChunkIndex(); err != nil {
		return nil, err
	}

	return s, nil
}

// initializeColumns determines column indices from the first file.
func (s *Source) initializeColumns(groupID string) error {
	file, err := os.Open(s.csvPaths[0])
	if err != nil {
		return fmt.Errorf("failed to open first CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		normalized := strings.TrimSpace(strings.ToLower(col))
		colIndex[normalized] = i
	}

	idx, ok := colIndex[strings.ToLower(groupID)]
	if !ok {
		return fmt.Errorf("group column %q not found", groupID)
	}
	s.groupCol = idx

	s.streamCols = make([][]int, len(s.specs))
	s.streams = make([]sequencer.StreamDescription, len(s.specs))
	for j, spec := range s.specs {
		if len(spec.Columns) == 0 {
			return fmt.Errorf("stream %q has no columns", spec.Name)
		}
		cols := make([]int, len(spec.Columns))
		for k, col := range spec.Columns {
			idx, ok := colIndex[strings.ToLower(col)]
			if !ok {
				return fmt.Errorf("stream %q column %q not found", spec.Name, col)
			}
			cols[k] = idx
		}
		s.streamCols[j] = cols
		s.streams[j] = sequencer.StreamDescription{Name: spec.Name, SampleDim: len(spec.Columns)}
	}

	return nil
}

// buildChunkIndex scans every file once, recording per-sequence sample counts
// without keeping any row data.
func (s *Source) buildChunkIndex() error {
	s.chunks = make([]sequencer.ChunkDescription, len(s.csvPaths))
	s.sequences = make([][]sequencer.SequenceDescription, len(s.csvPaths))

	for chunkID, path := range s.csvPaths {
		runs, totalRows, err := s.scanFileForRuns(path)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", path, err)
		}
		if totalRows == 0 {
			return fmt.Errorf("%s has no data rows", path)
		}

		sequences := make([]sequencer.SequenceDescription, len(runs))
		for i, run := range runs {
			sequences[i] = sequencer.SequenceDescription{ID: i, ChunkID: chunkID, NumberOfSamples: run}
		}
		s.sequences[chunkID] = sequences
		s.chunks[chunkID] = sequencer.ChunkDescription{
			ID:                chunkID,
			NumberOfSamples:   totalRows,
			NumberOfSequences: len(runs),
		}
	}

	return nil
}

// scanFileForRuns returns the length of each consecutive run of rows sharing
// a group-id value, plus the total row count.
func (s *Source) scanFileForRuns(path string) ([]int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Skip header.
	if _, err := reader.Read(); err != nil {
		return nil, 0, err
	}

	var runs []int
	var currentGroup string
	totalRows := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		if s.groupCol >= len(record) {
			return nil, 0, fmt.Errorf("row %d has %d columns, group column is %d", totalRows, len(record), s.groupCol)
		}

		group := record[s.groupCol]
		if totalRows == 0 || group != currentGroup {
			runs = append(runs, 0)
			currentGroup = group
		}
		runs[len(runs)-1]++
		totalRows++
	}

	return runs, totalRows, nil
}

// StreamDescriptions implements sequencer.Deserializer.
func (s *Source) StreamDescriptions() []sequencer.StreamDescription {
	return s.streams
}

// ChunkDescriptions implements sequencer.Deserializer.
func (s *Source) ChunkDescriptions() []sequencer.ChunkDescription {
	return s.chunks
}

// SequencesForChunk implements sequencer.Deserializer.
func (s *Source) SequencesForChunk(chunkID int) ([]sequencer.SequenceDescription, error) {
	if chunkID < 0 || chunkID >= len(s.sequences) {
		return nil, fmt.Errorf("chunk id %d out of range [0, %d)", chunkID, len(s.sequences))
	}
	return s.sequences[chunkID], nil
}

// Chunk materializes one file: every row is parsed once and sliced into the
// chunk's sequences as flat float32 buffers, one per stream.
func (s *Source) Chunk(chunkID int) (sequencer.ChunkHandle, error) {
	if chunkID < 0 || chunkID >= len(s.csvPaths) {
		return nil, fmt.Errorf("chunk id %d out of range [0, %d)", chunkID, len(s.csvPaths))
	}

	file, err := os.Open(s.csvPaths[chunkID])
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	descriptions := s.sequences[chunkID]
	chunk := &materializedChunk{data: make([][]*sequencer.SequenceData, len(descriptions))}

	for i, description := range descriptions {
		data := make([]*sequencer.SequenceData, len(s.streams))
		for j, stream := range s.streams {
			data[j] = &sequencer.SequenceData{
				NumberOfSamples: description.NumberOfSamples,
				Samples:         make([]float32, 0, description.NumberOfSamples*stream.SampleDim),
			}
		}
		for row := 0; row < description.NumberOfSamples; row++ {
			record, err := reader.Read()
			if err != nil {
				return nil, fmt.Errorf("failed to read row of sequence %d: %w", i, err)
			}
			for j, cols := range s.streamCols {
				for _, col := range cols {
					if col >= len(record) {
						return nil, fmt.Errorf("sequence %d row has %d columns, need column %d", i, len(record), col)
					}
					val, err := parseFloat32(record[col])
					if err != nil {
						return nil, fmt.Errorf("failed to parse value of sequence %d: %w", i, err)
					}
					data[j].Samples = append(data[j].Samples, val)
				}
			}
		}
		chunk.data[i] = data
	}

	return chunk, nil
}

// parseFloat32 parses one CSV cell. A blank cell is an error, not a zero
// sample.
func parseFloat32(cell string) (float32, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, fmt.Errorf("blank cell")
	}
	v, err := strconv.ParseFloat(cell, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// materializedChunk holds the parsed data of one file, read-only after
// construction.
type materializedChunk struct {
	data [][]*sequencer.SequenceData
}

// Sequence implements sequencer.ChunkHandle.
func (c *materializedChunk) Sequence(sequenceID int) ([]*sequencer.SequenceData, error) {
	if sequenceID < 0 || sequenceID >= len(c.data) {
		return nil, fmt.Errorf("sequence id %d out of range [0, %d)", sequenceID, len(c.data))
	}
	return c.data[sequenceID], nil
}
