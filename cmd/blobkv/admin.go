package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/tokenbucket"
	"github.com/ghemawat/stream"
	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/chipstorage/blobkv/internal/blockstore"
	"github.com/chipstorage/blobkv/internal/logging"
	"github.com/chipstorage/blobkv/internal/store"
)

func newAdminCmd(log *logging.Logger) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "operational tooling for an existing store",
	}
	admin.AddCommand(
		newAdminStatsCmd(log),
		newAdminLevelsCmd(log),
		newAdminLoadgenCmd(log),
		newAdminTailCmd(),
	)
	return admin
}

func newAdminStatsCmd(log *logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print block, key and I/O latency statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.Open(storePath(), log)
			if err != nil {
				return err
			}
			defer s.Close()

			cache := s.Cache()
			hist := cache.Dispatcher().LatencyMicros()

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Stat", "Value"})
			table.Append([]string{"block size", strconv.Itoa(cache.BlockSize())})
			table.Append([]string{"blocks allocated", strconv.FormatUint(uint64(cache.HighWater()), 10)})
			table.Append([]string{"free-list depth", strconv.Itoa(cache.FreeCount())})
			table.Append([]string{"keys", strconv.Itoa(len(s.Keys()))})
			table.Append([]string{"io ops", strconv.FormatInt(hist.TotalCount(), 10)})
			table.Append([]string{"io p50 (us)", strconv.FormatInt(hist.ValueAtQuantile(50), 10)})
			table.Append([]string{"io p99 (us)", strconv.FormatInt(hist.ValueAtQuantile(99), 10)})
			table.Render()
			return nil
		},
	}
}

func newAdminLevelsCmd(log *logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "plot the distribution of blob tree heights",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.Open(storePath(), log)
			if err != nil {
				return err
			}
			defer s.Close()

			counts := make([]float64, 1)
			for _, key := range s.Keys() {
				h, err := s.OpenBlob(key)
				if err != nil {
					return err
				}
				lvl := h.Levels()
				for len(counts) <= lvl {
					counts = append(counts, 0)
				}
				counts[lvl]++
			}
			fmt.Println(asciigraph.Plot(counts,
				asciigraph.Height(8),
				asciigraph.Caption("blobs per tree level (x = level)")))
			return nil
		},
	}
}

func newAdminLoadgenCmd(log *logging.Logger) *cobra.Command {
	var (
		rate       float64
		duration   time.Duration
		valueBytes int64
	)
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "run a rate-limited synthetic append workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.Open(storePath(), log)
			if err != nil {
				return err
			}
			defer s.Close()

			key := fmt.Sprintf("loadgen-%d", time.Now().UnixNano())
			h, err := s.NewBlob(key)
			if err != nil {
				return err
			}

			var tb tokenbucket.TokenBucket
			tb.Init(tokenbucket.TokensPerSecond(rate), tokenbucket.Tokens(rate))

			ctx := context.Background()
			payload := make([]byte, valueBytes)
			for i := range payload {
				payload[i] = byte('a' + i%26)
			}

			var ops int
			deadline := time.Now().Add(duration)
			for time.Now().Before(deadline) {
				fulfilled, tryAgainAfter := tb.TryToFulfill(1)
				if !fulfilled {
					time.Sleep(tryAgainAfter)
					continue
				}
				oldSize := h.ValueSize()
				if err := h.Append(ctx, valueBytes); err != nil {
					return err
				}
				bg, ag, err := h.ExposeRegion(ctx, blockstore.Write, oldSize, valueBytes)
				if err != nil {
					return err
				}
				bg.CopyFrom(payload)
				ag.Release()
				ops++
			}
			if err := s.SaveBlob(key, h); err != nil {
				return err
			}
			log.Infof("loadgen: %d appends of %d bytes, final value %d bytes, %d levels",
				ops, valueBytes, h.ValueSize(), h.Levels())
			return nil
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", 100, "appends per second")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to run")
	cmd.Flags().Int64Var(&valueBytes, "value-bytes", 4096, "bytes appended per op")
	return cmd
}

// newAdminTailCmd filters a node's log file down to the disk dispatcher's
// lines, the part of the log an operator chasing I/O stalls cares about.
func newAdminTailCmd() *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "tail <logfile>",
		Short: "filter a node log file for storage-layer lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return stream.Run(
				stream.ReadLines(f),
				stream.Grep(pattern),
				stream.WriteLines(os.Stdout),
			)
		},
	}
	cmd.Flags().StringVar(&pattern, "grep", "diskpool", "regexp to filter lines by")
	return cmd
}
