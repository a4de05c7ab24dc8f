// Pretrain runs a multi-objective pretraining job: it resolves the
// configuration from flags, builds the model and either runs the single
// worker directly or spawns one worker process per distributed rank.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tokenset/pretrain/checkpoints"
	_ "github.com/tokenset/pretrain/data" // registers the record-file loaders
	"github.com/tokenset/pretrain/distributed"
	"github.com/tokenset/pretrain/models/bow"
	"github.com/tokenset/pretrain/train"
	"github.com/tokenset/pretrain/train/worker"
	"github.com/tokenset/pretrain/vocab"
)

var (
	flagDatasetPath    = flag.String("dataset_path", "dataset.pt", "Path of the preprocessed dataset records.")
	flagVocabPath      = flag.String("vocab_path", "", "Path of the vocabulary file, one token per line.")
	flagVocabSize      = flag.Int("vocab_size", 0, "Vocabulary size, used when no vocabulary file is given.")
	flagOutputPath     = flag.String("output_model_path", "model.bin", "Checkpoint path prefix; checkpoints are written to <prefix>-<step>.")
	flagPretrainedPath = flag.String("pretrained_model_path", "", "Checkpoint to initialize the model from, when set.")
	flagTarget         = flag.String("target", "bert", "Training objective: bert | mlm | albert | lm | bilm | cls | mt | t5.")
	flagTotalSteps     = flag.Int("total_steps", 100000, "Total number of training steps.")
	flagBatchSize      = flag.Int("batch_size", 32, "Per-worker batch size.")
	flagAccumulation   = flag.Int("accumulation_steps", 1, "Micro-steps accumulated per optimizer update.")
	flagReportSteps    = flag.Int("report_steps", 100, "Steps between metric reports.")
	flagSaveSteps      = flag.Int("save_checkpoint_steps", 10000, "Steps between checkpoints.")
	flagLearningRate   = flag.Float64("learning_rate", 2e-5, "Peak learning rate, reached at the end of warmup.")
	flagWarmup         = flag.Float64("warmup", 0.1, "Fraction of total steps spent warming up the learning rate.")
	flagBeta1          = flag.Float64("beta1", 0.9, "AdamW first-moment coefficient.")
	flagBeta2          = flag.Float64("beta2", 0.999, "AdamW second-moment coefficient.")
	flagFP16           = flag.Bool("fp16", false, "Enable the mixed-precision adapter.")
	flagFP16OptLevel   = flag.String("fp16_opt_level", "O1", "Mixed-precision mode: O1 | O2.")
	flagDistTrain      = flag.Bool("dist_train", false, "Enable multi-process data-parallel training.")
	flagSingleGPU      = flag.Bool("single_gpu", false, "Bind the sole worker to one accelerator.")
	flagGPUID          = flag.Int("gpu_id", 0, "Accelerator id in single-accelerator mode.")
	flagWorldSize      = flag.Int("world_size", 1, "Total number of distributed workers.")
	flagGPURanks       = flag.String("gpu_ranks", "", "Comma-separated process-to-rank list, e.g. \"0,1,2,3\".")
	flagMasterAddr     = flag.String("master_ip", "localhost:23456", "Rendezvous address of rank 0.")
	flagBackend        = flag.String("backend", "tcp", "Collective-communication backend: tcp | local.")
	flagJoinTimeout    = flag.Duration("join_timeout", 0, "Process-group join timeout; 0 uses the default.")
	flagSeed           = flag.Int64("seed", 7, "Seed for parameter initialization.")
	flagLabelsNum      = flag.Int("labels_num", 0, "Label count for classification; 0 derives it from the dataset.")
	flagHiddenSize     = flag.Int("hidden_size", 64, "Model hidden size.")
	flagProgressBar    = flag.Bool("progressbar", false, "Show a terminal progress bar on the reporting worker.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	config := must.M1(buildConfig())

	vocabSize := *flagVocabSize
	if *flagVocabPath != "" {
		vocabSize = must.M1(vocab.Load(*flagVocabPath)).Size()
	}
	if vocabSize == 0 {
		klog.Exit("either -vocab_path or -vocab_size is required")
	}
	if config.Objective == train.ObjectiveCls && config.LabelsNum == 0 {
		config.LabelsNum = must.M1(vocab.CountLabels(config.DatasetPath))
		klog.Infof("derived %d labels from %q", config.LabelsNum, config.DatasetPath)
	}

	// Every process builds the model from the same seed; under distributed
	// training the gradient-sync wrap re-broadcasts rank 0's parameters
	// anyway.
	rng := rand.New(rand.NewSource(config.Seed))
	model := must.M1(bow.New(config.Objective, vocabSize, *flagHiddenSize, config.LabelsNum, rng))
	if config.PretrainedModelPath != "" {
		must.M(checkpoints.Load(model, config.PretrainedModelPath))
	}

	opts := worker.Options{ProgressBar: *flagProgressBar}
	if !config.DistTrain {
		must.M(worker.Run(0, config, model, opts))
		return
	}

	procID, isWorker := distributed.ProcID()
	if !isWorker {
		// Launcher process: one worker process per configured rank.
		must.M(distributed.SpawnWorkers(len(config.GPURanks)))
		return
	}
	must.M(worker.Run(procID, config, model, opts))
}

func buildConfig() (train.TrainingConfig, error) {
	objective, err := train.ObjectiveByName(*flagTarget)
	if err != nil {
		return train.TrainingConfig{}, err
	}
	ranks, err := parseRanks(*flagGPURanks)
	if err != nil {
		return train.TrainingConfig{}, err
	}
	config := train.TrainingConfig{
		Objective:           objective,
		TotalSteps:          *flagTotalSteps,
		BatchSize:           *flagBatchSize,
		AccumulationSteps:   *flagAccumulation,
		ReportSteps:         *flagReportSteps,
		SaveCheckpointSteps: *flagSaveSteps,
		LearningRate:        *flagLearningRate,
		Beta1:               *flagBeta1,
		Beta2:               *flagBeta2,
		Warmup:              *flagWarmup,
		FP16:                *flagFP16,
		FP16OptLevel:        *flagFP16OptLevel,
		DistTrain:           *flagDistTrain,
		SingleGPU:           *flagSingleGPU,
		GPUID:               *flagGPUID,
		WorldSize:           *flagWorldSize,
		Backend:             *flagBackend,
		MasterAddr:          *flagMasterAddr,
		GPURanks:            ranks,
		RendezvousTimeout:   *flagJoinTimeout,
		DatasetPath:         *flagDatasetPath,
		OutputModelPath:     *flagOutputPath,
		PretrainedModelPath: *flagPretrainedPath,
		Seed:                *flagSeed,
		LabelsNum:           *flagLabelsNum,
	}
	if err = config.Validate(); err != nil {
		return train.TrainingConfig{}, err
	}
	return config, nil
}

func parseRanks(list string) ([]int, error) {
	if list == "" {
		return nil, nil
	}
	parts := strings.Split(list, ",")
	ranks := make([]int, 0, len(parts))
	for _, part := range parts {
		rank, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "bad -gpu_ranks entry %q", part)
		}
		ranks = append(ranks, rank)
	}
	return ranks, nil
}

// usage prints flag help with the binary name.
func usage() {
	fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
	flag.PrintDefaults()
}

func init() { flag.Usage = usage }
