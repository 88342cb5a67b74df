package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"neuroauth/internal/config"
	"neuroauth/internal/enroll"
	"neuroauth/internal/logging"
	"neuroauth/internal/model"
	"neuroauth/internal/preprocess"
	"neuroauth/internal/prototype"
	"neuroauth/internal/signal"
	"neuroauth/internal/verify"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "enroll":
		cmdEnroll(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	case "serve":
		cmdServe()
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`neuroauthd - EEG biometric enrollment and verification service

USAGE:
    neuroauthd <command> [options]

COMMANDS:
    init                    Write a default config.toml if none exists
    enroll <user> <file>... Enroll a user from one or more envelope JSON trials
    verify <user> <file>    Verify an envelope JSON trial against a claimed user
    serve                   Run the health/metrics endpoints as a background service
    version                 Show version information
    help                    Show this help message`)
}

func printVersion() {
	fmt.Printf("neuroauthd %s (built %s, commit %s)\n", Version, BuildTime, Commit)
}

func loadConfigOrExit() *config.Config {
	cfg, created, err := config.LoadOrCreate(config.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Fprintf(os.Stderr, "wrote default config to %s\n", config.ConfigPath())
	}
	return cfg
}

func cmdInit() {
	cfg := loadConfigOrExit()
	fmt.Printf("config ready at %s (pipeline: %d channels, %d-dim embedding)\n",
		config.ConfigPath(), cfg.Pipeline.NChannels, cfg.Pipeline.EmbeddingDim)
}

func cmdEnroll(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: neuroauthd enroll <user> <envelope.json>...")
		os.Exit(1)
	}
	userID, files := args[0], args[1:]

	cfg := loadConfigOrExit()
	log, err := logging.New(loggingConfig(cfg, "neuroauthd-enroll"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	bundle, st, err := loadBundle(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load model bundle: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	enc, err := newEncoder(bundle)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build encoder: %v\n", err)
		os.Exit(1)
	}

	wcfg, pcfg, _ := pipelineGeometry(cfg)
	enroller := enroll.New(enc, st, enroll.Config{
		Preprocess: pcfg,
		Window:     wcfg,
		Prototype:  prototype.Config{K: cfg.Pipeline.PrototypesPerUser, MaxIters: 100, Tolerance: 1e-5},
	})

	loaded := make([]*model.Trial, 0, len(files))
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
			os.Exit(1)
		}
		trial, err := signal.Load(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", path, err)
			os.Exit(1)
		}
		loaded = append(loaded, trial)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	set, err := enroller.Enroll(userID, loaded, rng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enroll: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("enrolled %q with %d prototypes\n", userID, len(set.Prototypes))
}

func cmdVerify(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: neuroauthd verify <user> <envelope.json>")
		os.Exit(1)
	}
	userID, path := args[0], args[1]

	cfg := loadConfigOrExit()
	log, err := logging.New(loggingConfig(cfg, "neuroauthd-verify"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	bundle, st, err := loadBundle(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load model bundle: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		os.Exit(1)
	}
	raw, err := signal.Load(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", path, err)
		os.Exit(1)
	}
	if err := signal.Validate(raw); err != nil {
		fmt.Fprintf(os.Stderr, "validate %s: %v\n", path, err)
		os.Exit(1)
	}

	wcfg, pcfg, _ := pipelineGeometry(cfg)
	processed, err := preprocess.Process(raw, pcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "preprocess: %v\n", err)
		os.Exit(1)
	}

	engine := verify.New(bundle, wcfg, nil, st, log.Logger, nil)
	deadline := time.Duration(cfg.Decision.VerifyTimeoutMs) * time.Millisecond
	result, err := engine.Verify(context.Background(), userID, processed, deadline)

	out := struct {
		Decision   verify.Decision `json:"decision"`
		RawScore   float64         `json:"raw_score"`
		Calibrated float64         `json:"calibrated_probability"`
		IsSpoof    bool            `json:"is_spoof"`
		ArtifactID string          `json:"artifact_id"`
		Error      string          `json:"error,omitempty"`
	}{
		Decision:   result.Decision,
		RawScore:   result.RawScore,
		Calibrated: result.CalibratedProbability,
		IsSpoof:    result.IsSpoof,
		ArtifactID: result.ArtifactID,
	}
	if err != nil {
		out.Error = err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}
