// Command libmusic-analyze is a batch CLI for the constant-Q/GMM/category
// pipeline: it walks a library, extracts per-recording timbre/chroma
// models into a local feature store, and trains/scores category models
// against the examples a user points it at. Each subcommand runs to
// completion and exits; there is no daemon mode.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lenalebt/libmusic-sub000/internal/analysis"
	"github.com/lenalebt/libmusic-sub000/internal/category"
	"github.com/lenalebt/libmusic-sub000/internal/config"
	"github.com/lenalebt/libmusic-sub000/internal/cqt"
	"github.com/lenalebt/libmusic-sub000/internal/gmm"
	"github.com/lenalebt/libmusic-sub000/internal/scanner"
	"github.com/lenalebt/libmusic-sub000/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("received interrupt, shutting down...")
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(ctx, os.Args[2:])
	case "similar":
		err = runSimilar(os.Args[2:])
	case "cluster":
		err = runCluster(os.Args[2:])
	case "train":
		err = runTrain(os.Args[2:])
	case "score":
		err = runScore(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: libmusic-analyze <command> [flags]

commands:
  scan     extract timbre/chroma/tempo/dynamic-range features for a library
  similar  build the pairwise similarity graph over scanned recordings
  cluster  run community detection over the similarity graph
  train    train a category model from positive/negative example lists
  score    score a single recording against a trained category model`)
}

// runScan walks the configured library paths, analyzes every audio file
// found, and persists the results. Files already present in the feature
// store are not skipped: each run re-analyzes them and overwrites their
// entries, and the stored file hash is recorded but not compared.
func runScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	libraryPath := fs.String("library", "", "root directory to scan for audio files (added to the persisted library paths if given)")
	dataDir := fs.String("data", "", "directory holding the feature store and config (default: ~/.local/share/libmusic-analyze)")
	workers := fs.Int("workers", 0, "concurrent analysis workers (0 = NumCPU-1)")
	fs.Parse(args)

	dir, err := resolveDataDir(*dataDir)
	if err != nil {
		return err
	}

	cfgManager := config.NewManager(dir)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("scan: load config: %w", err)
	}
	if *libraryPath != "" {
		if err := cfgManager.AddLibraryPath(*libraryPath); err != nil {
			return fmt.Errorf("scan: persist library path: %w", err)
		}
	}
	libraryPaths := cfgManager.Get().LibraryPaths
	if len(libraryPaths) == 0 {
		return fmt.Errorf("scan: no library paths configured; pass -library")
	}

	featureStore, err := analysis.NewFeatureStore(dir)
	if err != nil {
		return fmt.Errorf("scan: open feature store: %w", err)
	}

	sc := scanner.NewScanner()
	var tracks []analysis.TrackInfo
	for _, result := range sc.ScanPaths(ctx, libraryPaths) {
		if result.Error != "" {
			log.Printf("scan: %s: %s", result.LibraryPath, result.Error)
			continue
		}
		for _, f := range result.Files {
			tracks = append(tracks, analysis.TrackInfo{Path: f.Path})
		}
	}
	if len(tracks) == 0 {
		log.Printf("scan: no audio files found under %v", libraryPaths)
		return nil
	}

	core := cfgManager.Get().Core
	extractorCfg := &analysis.ExtractorConfig{
		CQT: cqt.Params{
			FMin:          core.CQT.FMin,
			FMax:          core.CQT.FMax,
			Fs:            float64(core.SampleRate),
			BinsPerOctave: core.CQT.BinsPerOctave,
			Q:             core.CQT.Q,
			Threshold:     core.CQT.Threshold,
			AtomHopFactor: core.CQT.AtomHopFactor,
		},
		TimbreDimension: core.GMM.TimbreDimension,
		TimbreModelSize: core.GMM.TimbreModelSize,
		ChromaModelSize: core.GMM.ChromaModelSize,
	}

	var failed int
	worker, err := analysis.NewWorker(analysis.WorkerConfig{
		MaxWorkers: *workers,
		Extractor:  extractorCfg,
		OnResult: func(result analysis.AnalysisResult) {
			if result.Error != nil {
				failed++
				log.Printf("scan: %s: %v", result.TrackPath, result.Error)
				return
			}
			featureStore.StoreFeatures(result.TrackPath, result.Features, analysis.FeatureVersion, result.FileHash)
		},
	})
	if err != nil {
		return fmt.Errorf("scan: start worker: %w", err)
	}

	if err := worker.Start(ctx, tracks); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	for worker.IsRunning() {
		select {
		case <-ctx.Done():
			worker.Stop()
		case <-time.After(200 * time.Millisecond):
		}
	}

	if err := featureStore.Save(); err != nil {
		return fmt.Errorf("scan: save feature store: %w", err)
	}
	log.Printf("scan: analyzed %d tracks (%d failed)", featureStore.GetAnalyzedCount(), failed)
	return nil
}

func runSimilar(args []string) error {
	fs := flag.NewFlagSet("similar", flag.ExitOnError)
	dataDir := fs.String("data", "", "directory holding the feature store")
	fs.Parse(args)

	dir, err := resolveDataDir(*dataDir)
	if err != nil {
		return err
	}
	featureStore, err := analysis.NewFeatureStore(dir)
	if err != nil {
		return fmt.Errorf("similar: open feature store: %w", err)
	}

	engine := analysis.NewSimilarityEngine(featureStore)
	engine.BuildGraph()

	if err := featureStore.Save(); err != nil {
		return fmt.Errorf("similar: save feature store: %w", err)
	}
	log.Printf("similar: similarity graph rebuilt over %d recordings", featureStore.GetAnalyzedCount())
	return nil
}

func runCluster(args []string) error {
	fs := flag.NewFlagSet("cluster", flag.ExitOnError)
	dataDir := fs.String("data", "", "directory holding the feature store")
	fs.Parse(args)

	dir, err := resolveDataDir(*dataDir)
	if err != nil {
		return err
	}
	featureStore, err := analysis.NewFeatureStore(dir)
	if err != nil {
		return fmt.Errorf("cluster: open feature store: %w", err)
	}

	engine := analysis.NewSimilarityEngine(featureStore)
	detector := analysis.NewCommunityDetector(featureStore, engine)
	communities := detector.DetectCommunities()

	if err := featureStore.Save(); err != nil {
		return fmt.Errorf("cluster: save feature store: %w", err)
	}
	for _, c := range communities {
		fmt.Printf("community %d: %q (%d tracks) top=%v\n", c.ID, c.Name, c.TrackCount, c.TopFeatures)
	}
	return nil
}

// runTrain trains a category model from two newline-separated path lists
// of already-scanned recordings, and writes the serialized model to
// -out as JSON (the shape store.CategoryDescription marshals to, since
// no concrete store.Store implementation is wired into this exercise).
func runTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	dataDir := fs.String("data", "", "directory holding the feature store")
	positivesPath := fs.String("positives", "", "file listing one positive example path per line")
	negativesPath := fs.String("negatives", "", "file listing one negative example path per line")
	categoryID := fs.Int64("category-id", 1, "category identifier to embed in the output")
	out := fs.String("out", "category.json", "output path for the serialized category description")
	fs.Parse(args)

	if *positivesPath == "" || *negativesPath == "" {
		return fmt.Errorf("train: -positives and -negatives are required")
	}

	dir, err := resolveDataDir(*dataDir)
	if err != nil {
		return err
	}
	featureStore, err := analysis.NewFeatureStore(dir)
	if err != nil {
		return fmt.Errorf("train: open feature store: %w", err)
	}

	cfgManager := config.NewManager(dir)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("train: load config: %w", err)
	}
	cat := cfgManager.Get().Core.Category

	positives, err := loadRecordings(featureStore, *positivesPath)
	if err != nil {
		return fmt.Errorf("train: positives: %w", err)
	}
	negatives, err := loadRecordings(featureStore, *negativesPath)
	if err != nil {
		return fmt.Errorf("train: negatives: %w", err)
	}

	learner := category.NewLearner(category.LearnerOptions{
		TimbreSamplesPerGMM: cat.TimbreSamplesPerGMM,
		TimbreModelSize:     cat.TimbreModelSize,
		ChromaSamplesPerGMM: cat.ChromaSamplesPerGMM,
		ChromaModelSize:     cat.ChromaModelSize,
		KLSamples:           cat.KLSamples,
	})
	model, err := learner.Train(positives, negatives)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	desc, err := category.Describe(*categoryID, model)
	if err != nil {
		return fmt.Errorf("train: describe model: %w", err)
	}

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("train: marshal description: %w", err)
	}
	if err := os.WriteFile(*out, data, 0600); err != nil {
		return fmt.Errorf("train: write %s: %w", *out, err)
	}
	log.Printf("train: wrote category %d description to %s", *categoryID, *out)
	return nil
}

// runScore scores a single already-scanned recording against a model
// previously written by "train".
func runScore(args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	dataDir := fs.String("data", "", "directory holding the feature store")
	modelPath := fs.String("model", "", "path to a category description written by train")
	track := fs.String("track", "", "recording path to score")
	fs.Parse(args)

	if *modelPath == "" || *track == "" {
		return fmt.Errorf("score: -model and -track are required")
	}

	dir, err := resolveDataDir(*dataDir)
	if err != nil {
		return err
	}
	featureStore, err := analysis.NewFeatureStore(dir)
	if err != nil {
		return fmt.Errorf("score: open feature store: %w", err)
	}

	data, err := os.ReadFile(*modelPath)
	if err != nil {
		return fmt.Errorf("score: read model: %w", err)
	}
	var desc store.CategoryDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("score: decode model: %w", err)
	}
	model, err := category.LoadModel(desc)
	if err != nil {
		return fmt.Errorf("score: load model: %w", err)
	}

	recordings, err := recordingsFromPaths(featureStore, []string{*track})
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}

	scorer := category.NewScorer(category.ScorerOptions{})
	result, err := scorer.Score(model, recordings[0])
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}
	fmt.Printf("%s: %.6f\n", *track, result)
	return nil
}

func loadRecordings(featureStore *analysis.FeatureStore, listPath string) ([]category.Recording, error) {
	data, err := os.ReadFile(listPath)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		paths = append(paths, line)
	}
	return recordingsFromPaths(featureStore, paths)
}

func recordingsFromPaths(featureStore *analysis.FeatureStore, paths []string) ([]category.Recording, error) {
	recordings := make([]category.Recording, 0, len(paths))
	for i, path := range paths {
		stored, ok := featureStore.GetFeatures(path)
		if !ok || stored.Features == nil {
			return nil, fmt.Errorf("no stored features for %s (run scan first)", path)
		}
		rf := stored.RecordingFeatures(int64(i))
		timbre, err := gmm.Unmarshal([]byte(rf.TimbreGMM))
		if err != nil {
			return nil, fmt.Errorf("%s: decode timbre model: %w", path, err)
		}
		chroma, err := gmm.Unmarshal([]byte(rf.ChromaGMM))
		if err != nil {
			return nil, fmt.Errorf("%s: decode chroma model: %w", path, err)
		}
		recordings = append(recordings, category.Recording{
			ID:               rf.RecordingID,
			Timbre:           timbre,
			Chroma:           chroma,
			Tempo:            rf.TempoBPM,
			DynamicRangeMean: rf.DynamicRangeMean,
		})
	}
	return recordings, nil
}

func resolveDataDir(dataDir string) (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve default data dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "libmusic-analyze"), nil
}
