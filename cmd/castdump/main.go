// Command castdump inspects a statecast bbolt database offline. It
// walks the current state or the update log and prints matching
// records without going through the daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/expr-lang/expr/vm"

	"github.com/statecast-project/statecast/internal/channel"
	bboltStore "github.com/statecast-project/statecast/internal/store/bbolt"
	"github.com/statecast-project/statecast/internal/util"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

func main() {
	var (
		flagDB      string
		flagAnchor  int64
		flagUpdates bool
		flagSince   float64
		flagFilter  string
		flagVerbose bool

		flagChannels util.StringSliceFlag
	)
	flag.StringVar(&flagDB, "db", "state.db", "bbolt database file to inspect")
	flag.Int64Var(&flagAnchor, "anchor", -1, "Only show this anchor (-1 for all)")
	flag.BoolVar(&flagUpdates, "updates", false, "Walk the update log instead of the current state")
	flag.Float64Var(&flagSince, "since", 0, "With -updates, only show entries newer than this timestamp")
	flag.StringVar(&flagFilter, "filter", "", `Expression to filter records, e.g. 'Types("task") && Field("done") == true'`)
	flag.BoolVar(&flagVerbose, "verbose", false, "Dump full records instead of one line each")

	flag.Var(&flagChannels, "channel", "Channel to show (can be specified multiple times)")
	flag.Parse()

	var program *vm.Program
	if flagFilter != "" {
		log.Println("Compiling expression:", flagFilter, "...")
		var err error
		program, err = channel.CompileFilter(flagFilter)
		if err != nil {
			log.Fatalf("Error compiling expression: %v", err)
			return
		}
	}

	info, err := os.Stat(flagDB)
	if err != nil {
		log.Fatalf("Error reading database file: %v", err)
		return
	}
	log.Println("Opening", flagDB, "(", humanize.Bytes(uint64(info.Size())), ") read-only ...")

	st, err := bboltStore.OpenReadOnly(flagDB, nil)
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
		return
	}
	defer func() {
		_ = st.Close()
	}()

	shown := 0
	walk := func(channelName string, anchor int64, rec delta.Record) bool {
		if len(flagChannels) > 0 && !slices.Contains(flagChannels, channelName) {
			return true
		}
		if flagAnchor >= 0 && anchor != flagAnchor {
			return true
		}
		if flagUpdates && instance.TimestampOf(rec) <= flagSince {
			return true
		}
		if program != nil {
			pass, evalErr := channel.EvalFilter(program, rec)
			if evalErr != nil {
				log.Println("[WARN] Error evaluating expression, skipping:", evalErr)
				return true
			}
			if !pass {
				return true
			}
		}

		shown++
		if flagVerbose {
			fmt.Printf("--- %s/%d ---\n", channelName, anchor)
			spew.Dump(rec)
			return true
		}

		id, idErr := instance.ID(rec)
		if idErr != nil {
			id = 0
		}
		ts := instance.TimestampOf(rec)
		line := fmt.Sprintf("%s/%d %s/%d op=%s ts=%.6f (%s)",
			channelName, anchor, instance.Type(rec), id,
			instance.OperationOf(rec), ts, humanize.Time(instance.Time(ts)))
		if instance.IsDeleted(rec) {
			line += " [deleted]"
		}
		fmt.Println(line)
		return true
	}

	ctx := context.Background()
	if flagUpdates {
		err = st.WalkUpdates(ctx, walk)
	} else {
		err = st.WalkInstances(ctx, walk)
	}
	if err != nil {
		log.Fatalf("Error walking database: %v", err)
		return
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		log.Fatalf("Error reading stats: %v", err)
		return
	}
	log.Println("Shown", shown, "of", stats.Instances, "instances,", stats.Updates, "update log entries total")
}
