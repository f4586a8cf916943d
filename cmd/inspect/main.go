// Command inspect sweeps a CSV dataset through the chunked sequencer and
// reports what a training loop would see: per-batch record and sample counts,
// chunk statistics and a histogram of realized batch sizes.
//
// Example:
//
//	inspect -pattern 'assets/train/*.csv' -group-col play -cols x,y,s -batch-samples 256
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/chunkfeed/csvdata"
	"github.com/Noofbiz/chunkfeed/packers"
	"github.com/Noofbiz/chunkfeed/sequencer"
)

func main() {
	patternFlag := flag.String("pattern", "assets/*.csv", "glob pattern for CSV files (one chunk per file)")
	groupCol := flag.String("group-col", "play", "column whose consecutive runs delimit sequences")
	colsFlag := flag.String("cols", "x,y", "comma-separated feature columns")
	labelColsFlag := flag.String("label-cols", "", "comma-separated label columns (optional second stream)")
	batchSamples := flag.Int("batch-samples", 64, "sample budget per minibatch")
	epochSize := flag.Int("epoch-size", 0, "epoch size in samples (0 = one full sweep)")
	epochIndex := flag.Int("epoch", 0, "epoch index to sweep")
	workers := flag.Int("workers", 1, "number of cooperating workers")
	rank := flag.Int("rank", 0, "this worker's rank")
	localTimeline := flag.Bool("local-timeline", false, "charge the sample budget only for sequences this rank keeps")
	parallelFetch := flag.Bool("parallel", false, "materialize batch records with a parallel fan-out")
	packerName := flag.String("packer", "sequence", "batch packer to exercise: 'sequence' or 'frame'")
	outDir := flag.String("out", "plots", "output directory for the batch-size histogram")

	klog.InitFlags(nil)
	flag.Parse()

	streams := []csvdata.StreamSpec{{Name: "features", Columns: splitCols(*colsFlag)}}
	if *labelColsFlag != "" {
		streams = append(streams, csvdata.StreamSpec{Name: "labels", Columns: splitCols(*labelColsFlag)})
	}

	src, err := csvdata.NewSource(*patternFlag, *groupCol, streams)
	if err != nil {
		log.Fatalf("failed to open dataset: %v", err)
	}

	var packer packers.Packer
	switch *packerName {
	case "sequence":
		packer = packers.SequencePacker{}
	case "frame":
		packer = packers.FramePacker{}
	default:
		log.Fatalf("unknown packer %q (want 'sequence' or 'frame')", *packerName)
	}

	seq, err := sequencer.NewSequencer(src, *localTimeline, *parallelFetch)
	if err != nil {
		log.Fatalf("failed to build sequencer: %v", err)
	}

	chunks := src.ChunkDescriptions()
	totalSequences := 0
	for _, chunk := range chunks {
		totalSequences += chunk.NumberOfSequences
	}
	log.Printf("Using CSV pattern: %s (%d chunks, %s sequences, %s samples)",
		*patternFlag, len(chunks), humanize.Comma(int64(totalSequences)), humanize.Comma(int64(seq.TotalSamples())))

	err = seq.StartEpoch(sequencer.EpochConfiguration{
		TotalEpochSizeInSamples: *epochSize,
		EpochIndex:              *epochIndex,
		NumberOfWorkers:         *workers,
		WorkerRank:              *rank,
	})
	if err != nil {
		log.Fatalf("failed to start epoch: %v", err)
	}

	var batchSizes plotter.Values
	totalRecords, totalSamples, batches := 0, 0, 0
	for {
		batch, err := seq.GetNextSequences(*batchSamples)
		if err != nil {
			log.Fatalf("failed to read batch %d: %v", batches, err)
		}
		if batch.NumRecords() > 0 {
			mb, err := packer.PackBatch(seq.Streams(), batch)
			if err != nil {
				log.Fatalf("failed to pack batch %d: %v", batches, err)
			}

			samples := 0
			for i := 0; i < batch.NumRecords(); i++ {
				samples += batch.Data[0][i].NumberOfSamples
			}
			klog.V(1).Infof("batch %d: %d records, %d samples, %d stream tensors", batches, mb.NumRecords, samples, len(mb.Streams))

			batchSizes = append(batchSizes, float64(samples))
			totalRecords += batch.NumRecords()
			totalSamples += samples
			batches++
		}
		if batch.EndOfEpoch {
			break
		}
	}

	fmt.Printf("epoch %d, rank %d/%d: %s batches, %s sequences, %s samples\n",
		*epochIndex, *rank, *workers,
		humanize.Comma(int64(batches)), humanize.Comma(int64(totalRecords)), humanize.Comma(int64(totalSamples)))
	if batches > 0 {
		minSize, maxSize, sum := batchSizes[0], batchSizes[0], 0.0
		for _, v := range batchSizes {
			if v < minSize {
				minSize = v
			}
			if v > maxSize {
				maxSize = v
			}
			sum += v
		}
		fmt.Printf("realized batch samples: min %.0f, mean %.1f, max %.0f (budget %d)\n",
			minSize, sum/float64(batches), maxSize, *batchSamples)

		if err := plotBatchSizes(*outDir, batchSizes); err != nil {
			log.Fatalf("failed to generate plot: %v", err)
		}
		log.Printf("Batch-size histogram written to %s", filepath.Join(*outDir, "batch_sizes.png"))
	}
}

func splitCols(s string) []string {
	parts := strings.Split(s, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}

// plotBatchSizes writes a PNG histogram of realized per-batch sample counts.
func plotBatchSizes(outDir string, sizes plotter.Values) error {
	p := plot.New()
	p.Title.Text = "Realized minibatch sample counts"
	p.X.Label.Text = "samples per batch"
	p.Y.Label.Text = "batches"

	bins := 16
	if len(sizes) < bins {
		bins = len(sizes)
	}
	h, err := plotter.NewHist(sizes, bins)
	if err != nil {
		return err
	}
	p.Add(h)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, "batch_sizes.png"))
}
