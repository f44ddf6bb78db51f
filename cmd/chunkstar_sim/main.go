// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// chunkstar_sim replays a synthetic transformer-style training loop
// against the chunk manager and reports migration statistics.
//
// Each simulated layer owns a parameter and a gradient tensor; a pass
// walks the layers forward then backward, exactly the access order a real
// training loop would report. A configurable transfer delay makes the
// prefetch overlap (or the lack of it on the first pass) visible in the
// stall counters.
//
// Example:
//
//	chunkstar_sim --layers=48 --layer_size=4Mi --fast_budget=64Mi \
//	    --passes=5 --transfer_delay=2ms
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/chunkstar"
	"github.com/gomlx/chunkstar/chunks"
	"github.com/gomlx/chunkstar/memtier"
	"github.com/gomlx/chunkstar/mover"
)

var (
	flagLayers        = flag.Int("layers", 24, "number of simulated layers")
	flagLayerSize     = flag.String("layer_size", "4Mi", "bytes of parameters per layer")
	flagChunkSize     = flag.String("chunk_size", "16Mi", "chunk capacity in bytes")
	flagFastBudget    = flag.String("fast_budget", "64Mi", "fast-tier budget in bytes (0 for unlimited)")
	flagPasses        = flag.Int("passes", 5, "number of forward+backward passes to run")
	flagLookahead     = flag.Int("lookahead", 8, "scheduler lookahead window in steps")
	flagParallelism   = flag.Int("parallelism", 4, "concurrent transfer lanes")
	flagTransferDelay = flag.Duration("transfer_delay", time.Millisecond, "simulated per-chunk transfer latency")
	flagComputeDelay  = flag.Duration("compute_delay", time.Millisecond, "simulated per-layer compute latency")
)

// slowCopier adds a fixed latency to every chunk copy, standing in for a
// PCIe transfer.
type slowCopier struct {
	delay time.Duration
}

func (c slowCopier) Copy(dst, src []byte, _ memtier.Tier) error {
	time.Sleep(c.delay)
	copy(dst, src)
	return nil
}

// Tensor ids: parameters are even, gradients odd.
func paramID(layer int) chunks.TensorID { return chunks.TensorID(2 * layer) }
func gradID(layer int) chunks.TensorID  { return chunks.TensorID(2*layer + 1) }

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	layerSize := int64(must.M1(humanize.ParseBytes(*flagLayerSize)))
	cfg := chunkstar.DefaultConfig()
	cfg.ChunkSize = int64(must.M1(humanize.ParseBytes(*flagChunkSize)))
	cfg.FastTierBudget = int64(must.M1(humanize.ParseBytes(*flagFastBudget)))
	cfg.LookaheadWindow = *flagLookahead
	cfg.TransferParallelism = *flagParallelism
	if *flagTransferDelay > 0 {
		cfg.Copier = slowCopier{delay: *flagTransferDelay}
	} else {
		cfg.Copier = mover.MemCopier{}
	}
	mgr := must.M1(chunkstar.New(cfg))
	defer mgr.Finalize()

	fmt.Printf("Simulating %d layers of %s (params+grads), chunk size %s, fast budget %s\n",
		*flagLayers, humanize.IBytes(uint64(layerSize)),
		humanize.IBytes(uint64(cfg.ChunkSize)), humanize.IBytes(uint64(cfg.FastTierBudget)))

	for layer := 0; layer < *flagLayers; layer++ {
		must.M1(mgr.Allocate(paramID(layer), layerSize, memtier.RoleParam, dtypes.Float32))
		must.M1(mgr.Allocate(gradID(layer), layerSize, memtier.RoleGrad, dtypes.Float32))
	}

	bar := progressbar.NewOptions(*flagPasses,
		progressbar.OptionSetDescription("passes"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("pass"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	for pass := 0; pass < *flagPasses; pass++ {
		runPass(mgr, *flagLayers, *flagComputeDelay)
		mgr.EndPass()
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Println()

	fmt.Println(mgr.Stats().String())
	if klog.V(1).Enabled() {
		fmt.Println(mgr.Dump())
	}
}

// runPass walks the layers forward touching parameters, then backward
// touching parameters and gradients -- the access order of a real
// training step.
func runPass(mgr *chunkstar.Manager, layers int, computeDelay time.Duration) {
	for layer := 0; layer < layers; layer++ {
		touch(mgr, paramID(layer), chunkstar.Read, computeDelay)
	}
	for layer := layers - 1; layer >= 0; layer-- {
		touch(mgr, paramID(layer), chunkstar.Read, 0)
		touch(mgr, gradID(layer), chunkstar.Write, computeDelay)
	}
}

func touch(mgr *chunkstar.Manager, id chunks.TensorID, intent chunkstar.Intent, computeDelay time.Duration) {
	mgr.NotifyAccess(id, intent)
	acq := must.M1(mgr.Access(id, intent))
	defer acq.Release()
	data := acq.Bytes()
	if intent == chunkstar.Write {
		// Touch a byte so round trips are observable.
		data[0]++
	} else {
		_ = data[0]
	}
	if computeDelay > 0 {
		time.Sleep(computeDelay)
	}
}
