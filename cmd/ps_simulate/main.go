// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ps_simulate trains a synthetic model with a number of concurrent workers reporting gradients to an
// in-process parameter server master, and prints a report of the run.
//
// Hyperparameters (optimizer, staleness, gradients to wait, etc.) are configured with -set, e.g.:
//
//	ps_simulate -workers=8 -set="optimizer=adam;learning_rate=0.01;max_staleness=2;grads_to_wait=4"
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/paramserver/internal/workerspool"
	"github.com/gomlx/paramserver/ml/params"
	"github.com/gomlx/paramserver/ml/train/commandline"
	"github.com/gomlx/paramserver/ml/train/optimizers"
	"github.com/gomlx/paramserver/ps/master"
	"github.com/gomlx/paramserver/ps/transport"
	"github.com/gomlx/paramserver/ps/worker"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagWorkers     = flag.Int("workers", 4, "Number of simulated workers.")
	flagParallelism = flag.Int("parallelism", 0, "Maximum number of workers stepping concurrently. "+
		"If 0 all workers run concurrently.")
	flagSteps      = flag.Int("steps", 200, "Number of accepted steps each worker does.")
	flagBatchSize  = flag.Int("batch", 16, "Number of ids looked up per feature in each minibatch.")
	flagDenseSize  = flag.Int("dense_size", 32, "Size of the dense variable.")
	flagVocabSize  = flag.Int("vocab", 1000, "Number of ids of the fixed-sparse table and of the embedding layers.")
	flagTableDim   = flag.Int("table_dim", 8, "Dimension of the rows of the fixed-sparse table.")
	flagApplyEvery = flag.Int("apply_every", 10, "Apply the pending embedding gradients every this many accepted "+
		"steps (across all workers).")
	flagSeed  = flag.Uint64("seed", 42, "Random seed of the minibatches.")
	flagQuiet = flag.Bool("quiet", false, "Don't display a progress bar.")
)

// simulationConfig holds the flags of one run.
type simulationConfig struct {
	numWorkers, parallelism, steps, batchSize int
	denseSize, vocabSize, tableDim            int
	applyEvery                                int
	seed                                      uint64
	progress                                  *commandline.ProgressBar
}

// workerResult of one simulated worker.
type workerResult struct {
	id             string
	steps, retries int64
	err            error
}

// simulationResult is the outcome of a run.
type simulationResult struct {
	service       *master.Service
	applier       *master.EmbeddingApplier
	master        *transport.InProcess
	workers       []workerResult
	embeddingRows int
	finalLoss     float64
	elapsed       time.Duration
}

func main() {
	klog.InitFlags(nil)
	p := params.Defaults().
		Set(optimizers.ParamCosineScheduleSteps, 0).
		Set(optimizers.ParamCosineScheduleMinLearningRate, -1.0)
	settings := commandline.CreateSettingsFlag(p, "")
	flag.Parse()
	must.M(commandline.ParseSettings(p, *settings))
	if *flagWorkers <= 0 || *flagSteps <= 0 {
		klog.Errorf("-workers and -steps must be > 0. See 'ps_simulate -help'.")
		os.Exit(1)
	}
	fmt.Println(commandline.SprintSettings(p))

	cfg := simulationConfig{
		numWorkers:  *flagWorkers,
		parallelism: *flagParallelism,
		steps:       *flagSteps,
		batchSize:   *flagBatchSize,
		denseSize:   *flagDenseSize,
		vocabSize:   *flagVocabSize,
		tableDim:    *flagTableDim,
		applyEvery:  *flagApplyEvery,
		seed:        *flagSeed,
	}
	if !*flagQuiet {
		cfg.progress = commandline.NewProgressBar(cfg.numWorkers*cfg.steps, "Simulating")
	}
	result, err := simulate(context.Background(), p, cfg)
	if cfg.progress != nil {
		cfg.progress.Done()
	}
	if err != nil {
		klog.Errorf("Simulation failed: %+v", err)
		os.Exit(1)
	}
	report(result)
}

// simulate runs the workers against a new master until every worker did cfg.steps accepted steps, or failed.
func simulate(ctx context.Context, p *params.Params, cfg simulationConfig) (*simulationResult, error) {
	store, err := newStore(cfg.denseSize, cfg.vocabSize, cfg.tableDim)
	if err != nil {
		return nil, err
	}
	builder := master.Build(store).FromParams(p)
	for _, l := range embeddingLayers {
		builder.EmbeddingLayer(l.name, l.dim)
	}
	service, err := builder.Done()
	if err != nil {
		return nil, err
	}
	embeddingOptimizer, err := optimizers.FromParams(p)
	if err != nil {
		return nil, err
	}
	applier := master.NewEmbeddingApplier(service, embeddingOptimizer)
	inProcess := transport.NewInProcess(service).WithEmbeddings(applier)
	result := &simulationResult{service: service, applier: applier, master: inProcess}

	workers := make([]*worker.Worker, cfg.numWorkers)
	computeFns := make([]worker.ComputeFn, cfg.numWorkers)
	losses := &lossTracker{}
	for i := range workers {
		source := &transport.EmbeddingSource{Master: inProcess}
		model, err := newModelSpec(store, source)
		if err != nil {
			return nil, err
		}
		workers[i], err = worker.New(inProcess, model, p)
		if err != nil {
			return nil, err
		}
		source.WorkerID = workers[i].ID()
		rng := rand.New(rand.NewPCG(cfg.seed, uint64(i)))
		computeFns[i] = newComputeFn(model, rng, cfg.batchSize, int64(cfg.vocabSize), losses)
	}

	var (
		totalSteps atomic.Int64
		applyMu    sync.Mutex
		applyErr   error
	)
	applyEmbeddings := func() {
		applyMu.Lock()
		defer applyMu.Unlock()
		numRows, err := applier.Apply(ctx)
		if err != nil && applyErr == nil {
			applyErr = err
		}
		result.embeddingRows += numRows
	}

	start := time.Now()
	pool := workerspool.New().SetMaxParallelism(cfg.parallelism)
	if cfg.parallelism == 0 {
		pool.SetMaxParallelism(-1)
	}
	result.workers = make([]workerResult, cfg.numWorkers)
	for i, w := range workers {
		pool.WaitToStart(func() {
			r := &result.workers[i]
			r.id = w.ID()
			for range cfg.steps {
				if _, err := w.Step(ctx, computeFns[i]); err != nil {
					klog.Errorf("worker %s failed: %+v", w.ID(), err)
					r.err = err
					break
				}
				step := totalSteps.Add(1)
				if cfg.applyEvery > 0 && step%int64(cfg.applyEvery) == 0 {
					applyEmbeddings()
				}
				if cfg.progress != nil {
					stats := service.Stats()
					cfg.progress.Update(int(step),
						commandline.Stat{Name: "Model version", Value: humanize.Comma(service.Version())},
						commandline.Stat{Name: "Rejected reports", Value: humanize.Comma(stats.Rejected)},
						commandline.Stat{Name: "Loss (moving average)", Value: fmt.Sprintf("%.4f", losses.value())},
					)
				}
			}
			r.steps, r.retries = w.NumSteps(), w.NumRetries()
		})
	}
	pool.Wait()
	applyEmbeddings()
	result.elapsed = time.Since(start)
	result.finalLoss = losses.value()
	if applyErr != nil {
		return result, errors.WithMessage(applyErr, "failed to apply embedding gradients")
	}
	return result, nil
}

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

// report prints the summary of the simulation.
func report(r *simulationResult) {
	stats := r.service.Stats()
	fmt.Println(titleStyle.Render("Summary"))
	summary := commandline.NewTable([]string{"Metric", "Value"}, lipgloss.Left, lipgloss.Right)
	summary.Row(false, "Model version", humanize.Comma(r.service.Version()))
	summary.Row(false, "Accepted reports", humanize.Comma(stats.Accepted))
	summary.Row(stats.Rejected > 0, "Rejected reports", humanize.Comma(stats.Rejected))
	summary.Row(false, "Optimizer steps", humanize.Comma(stats.Steps))
	summary.Row(false, "Embedding rows applied", humanize.Comma(int64(r.embeddingRows)))
	summary.Row(false, "Embedding apply cycles", humanize.Comma(r.applier.Cycles()))
	summary.Row(false, "Requests served", humanize.Comma(r.master.NumRequests()))
	summary.Row(false, "Final loss (moving average)", fmt.Sprintf("%.5f", r.finalLoss))
	summary.Row(false, "Elapsed", r.elapsed.Round(time.Millisecond).String())
	fmt.Println(summary)

	fmt.Println(titleStyle.Render("Workers"))
	table := commandline.NewTable([]string{"#", "Worker", "Steps", "Retries", "Error"}, lipgloss.Right, lipgloss.Left,
		lipgloss.Right, lipgloss.Right, lipgloss.Left)
	for i, w := range r.workers {
		errMsg := ""
		if w.err != nil {
			errMsg = w.err.Error()
		}
		table.Row(w.err != nil, strconv.Itoa(i), w.id, humanize.Comma(w.steps), humanize.Comma(w.retries), errMsg)
	}
	fmt.Println(table)
}
