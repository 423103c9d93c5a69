// Command remote_build_runner is the process entry point: it loads
// the YAML configuration, wires the orchestrator core and its
// collaborators, and dispatches one already-resolved build step to a
// chosen machine. Grounded on cmd/bb_clientd/main.go's
// construct-then-run wiring style.
//
// Parsing a derivation from its on-disk ATerm form and choosing which
// machine to use are both out of scope for this core (spec.md §1):
// the step request below is read as already-resolved JSON, the shape
// a real queue would hand this core after doing that work itself.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/util"

	"github.com/thufschmitt/hydra/pkg/config"
	"github.com/thufschmitt/hydra/pkg/ingest"
	"github.com/thufschmitt/hydra/pkg/localstore"
	"github.com/thufschmitt/hydra/pkg/machinehealth"
	"github.com/thufschmitt/hydra/pkg/orchestrator"
	"github.com/thufschmitt/hydra/pkg/storemodel"
)

// stepRequest is the on-disk JSON shape of the -step file: a
// derivation that has already had every input reference resolved to
// a concrete output path, exactly what orchestrator.Step expects.
type stepRequest struct {
	DrvPath     string            `json:"drv_path"`
	Outputs     map[string]string `json:"outputs"`
	InputSrcs   []string          `json:"input_srcs"`
	Platform    string            `json:"platform"`
	Builder     string            `json:"builder"`
	Args        []string          `json:"args"`
	Environment map[string]string `json:"environment"`
}

func loadStepRequest(path string) (storemodel.StorePath, storemodel.BasicDerivation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return storemodel.StorePath{}, storemodel.BasicDerivation{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var req stepRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return storemodel.StorePath{}, storemodel.BasicDerivation{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	outputs := make(map[string]storemodel.StorePath, len(req.Outputs))
	for name, p := range req.Outputs {
		outputs[name] = storemodel.NewStorePath(p)
	}
	inputs := make([]storemodel.StorePath, 0, len(req.InputSrcs))
	for _, p := range req.InputSrcs {
		inputs = append(inputs, storemodel.NewStorePath(p))
	}

	drv := storemodel.BasicDerivation{
		Outputs:     outputs,
		InputSrcs:   storemodel.NewStorePathSet(inputs...),
		Platform:    req.Platform,
		Builder:     req.Builder,
		Args:        req.Args,
		Environment: req.Environment,
	}
	return storemodel.NewStorePath(req.DrvPath), drv, nil
}

func findMachine(machines []*storemodel.Machine, name string) (*storemodel.Machine, error) {
	for _, m := range machines {
		if m.SSHName == name || (name == "" && m.IsLocalhost) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no configured machine matches %q", name)
}

// openDir ensures dir exists on disk and wraps it as a
// filesystem.Directory, the one bit of filesystem setup this binary
// does that library code under pkg/ never needs to (library code
// always receives an already-open Directory).
func openDir(dir string) (filesystem.Directory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	return filesystem.NewLocalDirectory(dir)
}

func main() {
	configPath := flag.String("config", "", "path to the runner's YAML configuration file; defaults to $"+config.EnvVar)
	stepPath := flag.String("step", "", "path to a JSON file describing the step to dispatch")
	machineName := flag.String("machine", "", "ssh_name of the configured machine to build on (empty matches the localhost entry)")
	flag.Parse()

	if *stepPath == "" {
		log.Fatal("Usage: remote_build_runner -step step.json [-machine name] [-config config.yaml]")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	drvPath, drv, err := loadStepRequest(*stepPath)
	if err != nil {
		log.Fatal("Failed to load step request: ", err)
	}

	machine, err := findMachine(cfg.StoreMachines(), *machineName)
	if err != nil {
		log.Fatal(err)
	}

	logDir, err := openDir(cfg.LogDir)
	if err != nil {
		log.Fatal("Failed to open log directory: ", err)
	}
	tempDirRoot, err := openDir(filepath.Join(cfg.StoreDir, "tmp"))
	if err != nil {
		log.Fatal("Failed to open temporary directory root: ", err)
	}
	localDir, err := openDir(filepath.Join(cfg.StoreDir, "local"))
	if err != nil {
		log.Fatal("Failed to open local store directory: ", err)
	}
	destDir, err := openDir(filepath.Join(cfg.StoreDir, "dest"))
	if err != nil {
		log.Fatal("Failed to open destination store directory: ", err)
	}

	o := &orchestrator.Orchestrator{
		LocalStore:    localstore.New("local-store", localDir),
		DestStore:     localstore.New("dest-store", destDir),
		Collector:     ingest.NewMemberCollector(),
		Health:        machinehealth.NewPolicy(cfg.RetryIntervalDuration(), cfg.RetryBackoff),
		LogDir:        logDir,
		TempDirRoot:   tempDirRoot,
		Clock:         clock.SystemClock,
		MaxOutputSize: cfg.MaxOutputSize,
		ErrorLogger:   util.DefaultErrorLogger,
		// NewRemoteStore is left unset: wiring a non-local machine's
		// own store into this core's three-command wire vocabulary
		// is an external collaborator concern (see DESIGN.md's
		// pkg/orchestrator entry). Only machines with is_localhost:
		// true are supported by this binary today.
		UpdateStep: func(stepID uuid.UUID, state orchestrator.State) {
			log.Printf("step %s: %s", stepID, state)
		},
	}

	step := orchestrator.Step{
		DrvPath:   drvPath,
		Drv:       drv,
		Cancelled: func() bool { return false },
	}

	result, err := o.Run(context.Background(), machine, step, cfg.StoreBuildOptions())
	if err != nil {
		log.Fatalf("Step failed to dispatch: %s", err)
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatal("Failed to encode result: ", err)
	}
	fmt.Println(string(encoded))

	if result.StepStatus != storemodel.StepStatusSuccess {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
