package scatter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/execruntime"
	"github.com/repx-org/repx/internal/model"
)

// PhaseOptions is everything one internal-scatter-gather invocation
// needs, deserialized from the CLI flags the spawning scheduler built.
type PhaseOptions struct {
	JobID model.JobId
	Phase string // "all", "scatter-only", "step", "gather"
	Steps StepsMetadata

	BasePath       string
	NodeLocalPath  string
	JobPackagePath string
	InputsJSONPath string
	ScatterExePath string
	GatherExePath  string

	// LastStepOutputsJSON is the sink step's raw output-template map, the
	// second return value of BuildStepsJSON - it is threaded through the
	// local scheduler's CLI argument pair unmodified so the gather phase
	// doesn't need to re-derive it from Steps.
	LastStepOutputsJSON string

	Runtime         execruntime.Runtime
	HostToolsBinDir string
	// HostToolsDirName is the bundle's bare directory name under
	// artifacts/host-tools/, re-serialized into the --host-tools-dir flag when this
	// process submits a dependent gather job.
	HostToolsDirName string
	MountHostPaths   bool
	MountPaths       []string

	// BranchIdx and StepName are required for Phase == "step" only.
	BranchIdx *int
	StepName  *string

	// Scheduler selects how the "all" phase fans its steps out: "local"
	// (default) runs every branch's steps in this process; "slurm"
	// submits one sbatch job per (branch, step) and a dependent gather
	// job, then returns immediately.
	Scheduler string

	// StepSbatchOpts is split on whitespace and appended to every
	// per-step sbatch invocation when Scheduler == "slurm".
	StepSbatchOpts string

	// AnchorID, when set, names a held SLURM job this invocation releases
	// on gather success or cancels (alongside every worker job) on
	// gather failure.
	AnchorID *uint32
}

// orchestrator is the per-invocation working state: the fixed directory
// layout under outputs/<jid>/ plus the stage's static inputs.
type orchestrator struct {
	opts PhaseOptions

	jobRoot        string
	userOutDir     string
	repxDir        string
	scatterOutDir  string
	scatterRepxDir string

	staticInputs map[string]json.RawMessage
}

func newOrchestrator(opts PhaseOptions) *orchestrator {
	jobRoot := filepath.Join(opts.BasePath, common.DirOutputs, opts.JobID.String())
	scatterRoot := filepath.Join(jobRoot, "scatter")
	return &orchestrator{
		opts:           opts,
		jobRoot:        jobRoot,
		userOutDir:     filepath.Join(jobRoot, common.DirOut),
		repxDir:        filepath.Join(jobRoot, common.DirRepx),
		scatterOutDir:  filepath.Join(scatterRoot, common.DirOut),
		scatterRepxDir: filepath.Join(scatterRoot, common.DirRepx),
		staticInputs:   map[string]json.RawMessage{},
	}
}

func (o *orchestrator) initDirs() error {
	for _, dir := range []string{o.userOutDir, o.repxDir, o.scatterOutDir, o.scatterRepxDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	_ = os.Remove(filepath.Join(o.repxDir, common.MarkerSuccess))
	_ = os.Remove(filepath.Join(o.repxDir, common.MarkerFail))
	return o.loadStaticInputs()
}

func (o *orchestrator) loadStaticInputs() error {
	if o.opts.InputsJSONPath == "" {
		return nil
	}
	data, err := os.ReadFile(o.opts.InputsJSONPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", o.opts.InputsJSONPath, err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing %s: %w", o.opts.InputsJSONPath, err)
	}
	o.staticInputs = m
	return nil
}

func (o *orchestrator) createExecutor(userOut, repxOut string) *execruntime.Executor {
	return execruntime.NewExecutor(execruntime.ExecutionRequest{
		JobID:           o.opts.JobID,
		Runtime:         o.opts.Runtime,
		BasePath:        o.opts.BasePath,
		NodeLocalPath:   o.opts.NodeLocalPath,
		JobPackagePath:  o.opts.JobPackagePath,
		InputsJSONPath:  o.opts.InputsJSONPath,
		UserOutDir:      userOut,
		RepxOutDir:      repxOut,
		HostToolsBinDir: o.opts.HostToolsBinDir,
		MountHostPaths:  o.opts.MountHostPaths,
		MountPaths:      o.opts.MountPaths,
	})
}

func (o *orchestrator) runScatter(ctx context.Context) error {
	executor := o.createExecutor(o.scatterOutDir, o.scatterRepxDir)
	args := []string{o.scatterOutDir, o.opts.InputsJSONPath}
	return executor.ExecuteScript(ctx, o.opts.ScatterExePath, args)
}

func (o *orchestrator) scatterAlreadySucceeded() bool {
	_, successErr := os.Stat(filepath.Join(o.scatterRepxDir, common.MarkerSuccess))
	_, itemsErr := os.Stat(filepath.Join(o.scatterOutDir, common.ManifestWorkItems))
	return successErr == nil && itemsErr == nil
}

func (o *orchestrator) readWorkItems() ([]json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(o.scatterOutDir, common.ManifestWorkItems))
	if err != nil {
		return nil, fmt.Errorf("reading work_items.json: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing work_items.json: %w", err)
	}
	return items, nil
}

func (o *orchestrator) branchRoot(idx int) string {
	return filepath.Join(o.jobRoot, fmt.Sprintf("branch-%d", idx))
}

func stepRoot(branchRoot, stepName string) string {
	return filepath.Join(branchRoot, "step-"+stepName)
}

// resolveStepInputs builds one step invocation's inputs.json content:
// scatter:work_item resolves to the branch's work_item.json path,
// step:<name> resolves against that step's output template, and an
// external job_id mapping passes the stage-level static input through.
func resolveStepInputs(stepSpec StepSpec, branchRoot, workItemPath string, staticInputs map[string]json.RawMessage, steps map[string]StepSpec) (map[string]json.RawMessage, error) {
	inputs := make(map[string]json.RawMessage)

	for _, mapping := range stepSpec.Inputs {
		target := mapping.TargetInput

		switch {
		case mapping.Source != nil && *mapping.Source == "scatter:work_item":
			inputs[target] = jsonString(workItemPath)

		case mapping.Source != nil && strings.HasPrefix(*mapping.Source, "step:"):
			depName := strings.TrimPrefix(*mapping.Source, "step:")
			if mapping.SourceOutput == nil {
				return nil, fmt.Errorf("step input mapping with source %q missing source_output", *mapping.Source)
			}
			depSpec, ok := steps[depName]
			if !ok {
				return nil, fmt.Errorf("step input references unknown step %q", depName)
			}
			template, ok := depSpec.Outputs[*mapping.SourceOutput]
			if !ok {
				return nil, fmt.Errorf("step %q does not have output %q", depName, *mapping.SourceOutput)
			}
			depOutDir := filepath.Join(stepRoot(branchRoot, depName), common.DirOut)
			resolved := strings.ReplaceAll(template, "$out", depOutDir)
			inputs[target] = jsonString(resolved)

		case mapping.Source != nil:
			common.GetLogger().Warn().Str("source", *mapping.Source).Str("target", target).Msg("unknown step input source type, skipping")

		case mapping.JobID != nil:
			if val, ok := staticInputs[target]; ok {
				inputs[target] = val
			} else {
				common.GetLogger().Warn().Str("target", target).Msg("external input not found in static inputs, skipping")
			}
		}
	}

	return inputs, nil
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0644)
}

// handlePhaseScatterOnly runs (or skips, if idempotently already done)
// the scatter executable and leaves work_items.json + the scatter stage's
// own SUCCESS/FAIL marker behind.
func handlePhaseScatterOnly(ctx context.Context, o *orchestrator) error {
	if err := o.initDirs(); err != nil {
		return err
	}

	if o.scatterAlreadySucceeded() {
		common.GetLogger().Info().Str("job_id", o.opts.JobID.String()).Msg("scatter already succeeded, skipping re-execution")
		return nil
	}

	if err := o.runScatter(ctx); err != nil {
		_ = common.WriteMarker(filepath.Join(o.scatterRepxDir, common.MarkerFail))
		_ = common.WriteMarker(filepath.Join(o.repxDir, common.MarkerFail))
		return fmt.Errorf("scatter phase failed: %w", err)
	}
	return common.WriteMarker(filepath.Join(o.scatterRepxDir, common.MarkerSuccess))
}

// handlePhaseStep runs exactly one step of one branch, invalidating that
// branch's downstream step markers first if its work_item.json changed
// since the last run.
func handlePhaseStep(ctx context.Context, o *orchestrator) error {
	if err := o.loadStaticInputs(); err != nil {
		return err
	}
	if o.opts.BranchIdx == nil {
		return fmt.Errorf("branch index is required for the step phase")
	}
	if o.opts.StepName == nil {
		return fmt.Errorf("step name is required for the step phase")
	}
	branchIdx := *o.opts.BranchIdx
	stepName := *o.opts.StepName

	stepSpec, ok := o.opts.Steps.Steps[stepName]
	if !ok {
		return fmt.Errorf("step %q not found in steps metadata", stepName)
	}

	branchRoot := o.branchRoot(branchIdx)
	branchRepx := filepath.Join(branchRoot, common.DirRepx)
	if err := os.MkdirAll(branchRepx, 0755); err != nil {
		return err
	}

	items, err := o.readWorkItems()
	if err != nil {
		return err
	}
	if branchIdx < 0 || branchIdx >= len(items) {
		return fmt.Errorf("branch index %d out of range (only %d work items)", branchIdx, len(items))
	}
	newWorkItemJSON := items[branchIdx]

	workItemPath := filepath.Join(branchRepx, "work_item.json")
	if old, err := os.ReadFile(workItemPath); err == nil {
		if !jsonRawEqual(old, newWorkItemJSON) {
			common.GetLogger().Info().Int("branch", branchIdx).Msg("work item changed, invalidating step markers")
			order, err := model.TopologicalOrderSteps(stepsAsExecutables(o.opts.Steps.Steps))
			if err != nil {
				return err
			}
			for _, s := range order {
				sr := filepath.Join(stepRoot(branchRoot, s), common.DirRepx)
				_ = os.Remove(filepath.Join(sr, common.MarkerSuccess))
				_ = os.Remove(filepath.Join(sr, common.MarkerFail))
			}
		}
	}
	if err := os.WriteFile(workItemPath, newWorkItemJSON, 0644); err != nil {
		return err
	}

	thisStepRoot := stepRoot(branchRoot, stepName)
	stepOut := filepath.Join(thisStepRoot, common.DirOut)
	stepRepx := filepath.Join(thisStepRoot, common.DirRepx)
	if err := os.MkdirAll(stepOut, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(stepRepx, 0755); err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(stepRepx, common.MarkerSuccess))
	_ = os.Remove(filepath.Join(stepRepx, common.MarkerFail))

	inputs, err := resolveStepInputs(stepSpec, branchRoot, workItemPath, o.staticInputs, o.opts.Steps.Steps)
	if err != nil {
		return err
	}
	stepInputsPath := filepath.Join(stepRepx, "inputs.json")
	if err := writeJSON(stepInputsPath, inputs); err != nil {
		return err
	}

	executor := o.createExecutor(stepOut, stepRepx)
	execArgs := []string{stepOut, stepInputsPath}

	if err := executor.ExecuteScript(ctx, stepSpec.ExePath, execArgs); err != nil {
		_ = common.WriteMarker(filepath.Join(stepRepx, common.MarkerFail))
		return fmt.Errorf("branch #%d step %q failed: %w", branchIdx, stepName, err)
	}
	if err := common.WriteMarker(filepath.Join(stepRepx, common.MarkerSuccess)); err != nil {
		return err
	}
	common.GetLogger().Info().Int("branch", branchIdx).Str("step", stepName).Msg("step completed successfully")
	return nil
}

// handlePhaseGather verifies every branch's sink step succeeded, builds
// worker_outs_manifest.json, and runs the gather executable.
func handlePhaseGather(ctx context.Context, o *orchestrator) error {
	if err := o.initDirs(); err != nil {
		return err
	}

	items, err := o.readWorkItems()
	if err != nil {
		return err
	}

	sinkStep := o.opts.Steps.SinkStep
	var branchSinkOutDirs []string
	for i := range items {
		branchRoot := o.branchRoot(i)
		sinkRepx := filepath.Join(stepRoot(branchRoot, sinkStep), common.DirRepx)
		if _, err := os.Stat(filepath.Join(sinkRepx, common.MarkerSuccess)); err != nil {
			_ = common.WriteMarker(filepath.Join(o.repxDir, common.MarkerFail))
			return fmt.Errorf("branch #%d sink step %q SUCCESS marker not found", i, sinkStep)
		}
		branchSinkOutDirs = append(branchSinkOutDirs, filepath.Join(stepRoot(branchRoot, sinkStep), common.DirOut))
	}

	if err := o.runGather(ctx, branchSinkOutDirs); err != nil {
		_ = common.WriteMarker(filepath.Join(o.repxDir, common.MarkerFail))
		cancelWorkersFromManifest(o.repxDir)
		scancelAnchor(o.opts.AnchorID)
		return err
	}
	if err := common.WriteMarker(filepath.Join(o.repxDir, common.MarkerSuccess)); err != nil {
		return err
	}
	releaseAnchor(o.opts.AnchorID)
	return nil
}

func (o *orchestrator) runGather(ctx context.Context, branchSinkOutDirs []string) error {
	var lastStepOutputs map[string]string
	if err := json.Unmarshal([]byte(o.opts.LastStepOutputsJSON), &lastStepOutputs); err != nil {
		return fmt.Errorf("parsing last-step-outputs-json: %w", err)
	}

	manifest := make([]map[string]string, 0, len(branchSinkOutDirs))
	for _, sinkOutDir := range branchSinkOutDirs {
		outputs := make(map[string]string, len(lastStepOutputs))
		for name, template := range lastStepOutputs {
			outputs[name] = strings.ReplaceAll(template, "$out", sinkOutDir)
		}
		manifest = append(manifest, outputs)
	}

	manifestPath := filepath.Join(o.repxDir, common.ManifestWorkerOuts)
	if err := writeJSON(manifestPath, manifest); err != nil {
		return err
	}

	gatherInputs := make(map[string]json.RawMessage, len(o.staticInputs)+1)
	for k, v := range o.staticInputs {
		gatherInputs[k] = v
	}
	gatherInputs["worker__outs"] = jsonString(manifestPath)

	gatherInputsPath := filepath.Join(o.repxDir, "gather_inputs.json")
	if err := writeJSON(gatherInputsPath, gatherInputs); err != nil {
		return err
	}

	executor := o.createExecutor(o.userOutDir, o.repxDir)
	args := []string{o.userOutDir, gatherInputsPath}
	if err := executor.ExecuteScript(ctx, o.opts.GatherExePath, args); err != nil {
		return fmt.Errorf("gather phase failed: %w", err)
	}
	return nil
}

// RunPhase dispatches opts.Phase to the matching handler; "all" chains
// scatter, every branch's steps in topological order, and gather in one
// process, the local scheduler's default.
func RunPhase(ctx context.Context, opts PhaseOptions) error {
	if len(opts.Steps.Steps) == 0 {
		return fmt.Errorf("no steps defined in steps metadata; at least one step is required")
	}
	order, err := model.TopologicalOrderSteps(stepsAsExecutables(opts.Steps.Steps))
	if err != nil {
		return err
	}
	if _, ok := opts.Steps.Steps[opts.Steps.SinkStep]; !ok {
		return fmt.Errorf("sink step %q not found in steps metadata", opts.Steps.SinkStep)
	}

	o := newOrchestrator(opts)

	switch opts.Phase {
	case "scatter-only":
		return handlePhaseScatterOnly(ctx, o)
	case "step":
		return handlePhaseStep(ctx, o)
	case "gather":
		return handlePhaseGather(ctx, o)
	case "all":
		if opts.Scheduler == "slurm" {
			return runAllPhasesSlurm(ctx, o, order)
		}
		return runAllPhases(ctx, o, order)
	default:
		return fmt.Errorf("unknown phase %q; expected all, scatter-only, step, or gather", opts.Phase)
	}
}

func runAllPhases(ctx context.Context, o *orchestrator, order []string) error {
	if err := o.initDirs(); err != nil {
		return err
	}

	common.GetLogger().Info().Str("job_id", o.opts.JobID.String()).Int("steps", len(order)).Strs("order", order).Msg("orchestrating scatter-gather stage")

	if o.scatterAlreadySucceeded() {
		common.GetLogger().Info().Msg("scatter already succeeded, skipping re-execution")
	} else if err := o.runScatter(ctx); err != nil {
		_ = common.WriteMarker(filepath.Join(o.scatterRepxDir, common.MarkerFail))
		_ = common.WriteMarker(filepath.Join(o.repxDir, common.MarkerFail))
		return fmt.Errorf("scatter phase failed: %w", err)
	} else if err := common.WriteMarker(filepath.Join(o.scatterRepxDir, common.MarkerSuccess)); err != nil {
		return err
	}

	items, err := o.readWorkItems()
	if err != nil {
		return err
	}

	branchIdxCopy := 0
	stepNameCopy := ""
	for branchIdx := range items {
		branchIdxCopy = branchIdx
		for _, stepName := range order {
			stepNameCopy = stepName
			stepOpts := o.opts
			stepOpts.BranchIdx = &branchIdxCopy
			stepOpts.StepName = &stepNameCopy
			stepOrch := newOrchestrator(stepOpts)
			stepOrch.staticInputs = o.staticInputs
			if err := handlePhaseStep(ctx, stepOrch); err != nil {
				return err
			}
		}
	}

	return handlePhaseGather(ctx, o)
}

// runAllPhasesSlurm runs the scatter executable inline (idempotently, same
// as the local path), then submits one sbatch job per (branch, step) in
// topological order plus one dependent gather job, and returns without
// waiting for any of them - the submitted gather job is what eventually
// runs handlePhaseGather on the cluster.
func runAllPhasesSlurm(ctx context.Context, o *orchestrator, order []string) error {
	if err := o.initDirs(); err != nil {
		return err
	}

	if o.scatterAlreadySucceeded() {
		common.GetLogger().Info().Msg("scatter already succeeded, skipping re-execution")
	} else if err := o.runScatter(ctx); err != nil {
		_ = common.WriteMarker(filepath.Join(o.scatterRepxDir, common.MarkerFail))
		_ = common.WriteMarker(filepath.Join(o.repxDir, common.MarkerFail))
		cancelWorkersFromManifest(o.repxDir)
		scancelAnchor(o.opts.AnchorID)
		return fmt.Errorf("scatter phase failed: %w", err)
	} else if err := common.WriteMarker(filepath.Join(o.scatterRepxDir, common.MarkerSuccess)); err != nil {
		return err
	}

	items, err := o.readWorkItems()
	if err != nil {
		return err
	}

	sinkStepIDs, workerIDs, err := submitSlurmBranches(o, items, order)
	if err != nil {
		return err
	}

	manifestPath := filepath.Join(o.repxDir, common.ManifestWorkerSlurmIds)
	if err := writeJSON(manifestPath, workerIDs); err != nil {
		return err
	}
	common.GetLogger().Info().Int("count", len(workerIDs)).Str("path", manifestPath).Msg("wrote worker slurm ids")

	return submitSlurmGatherJob(o, sinkStepIDs)
}

// submitSlurmBranches submits every branch's steps in topological order,
// chaining each step's --dependency=afterok to its in-branch step deps'
// slurm ids, and returns the sink step's slurm id per branch plus the flat
// list of every submitted worker id.
func submitSlurmBranches(o *orchestrator, items []json.RawMessage, order []string) ([]string, []uint32, error) {
	var sinkStepIDs []string
	var workerIDs []uint32

	for branchIdx := range items {
		branchRoot := o.branchRoot(branchIdx)
		branchRepx := filepath.Join(branchRoot, common.DirRepx)
		if err := os.MkdirAll(branchRepx, 0755); err != nil {
			return nil, nil, err
		}
		workItemPath := filepath.Join(branchRepx, "work_item.json")
		if err := os.WriteFile(workItemPath, items[branchIdx], 0644); err != nil {
			return nil, nil, err
		}

		stepSlurmIDs := make(map[string]string, len(order))

		for _, stepName := range order {
			stepSpec := o.opts.Steps.Steps[stepName]
			thisStepRoot := stepRoot(branchRoot, stepName)
			stepOut := filepath.Join(thisStepRoot, common.DirOut)
			stepRepx := filepath.Join(thisStepRoot, common.DirRepx)
			if err := os.MkdirAll(stepOut, 0755); err != nil {
				return nil, nil, err
			}
			if err := os.MkdirAll(stepRepx, 0755); err != nil {
				return nil, nil, err
			}

			inputs, err := resolveStepInputs(stepSpec, branchRoot, workItemPath, o.staticInputs, o.opts.Steps.Steps)
			if err != nil {
				return nil, nil, err
			}
			inputsPath := filepath.Join(stepRepx, "inputs.json")
			if err := writeJSON(inputsPath, inputs); err != nil {
				return nil, nil, err
			}

			executor := o.createExecutor(stepOut, stepRepx)
			cmd, err := executor.BuildCommandForScript(context.Background(), stepSpec.ExePath, []string{stepOut, inputsPath})
			if err != nil {
				return nil, nil, fmt.Errorf("building command for branch #%d step %q: %w", branchIdx, stepName, err)
			}

			wrapped := fmt.Sprintf("( %s && touch %s/%s ) || ( touch %s/%s; exit 1 )",
				commandToShellString(cmd), stepRepx, common.MarkerSuccess, stepRepx, common.MarkerFail)

			sbatchArgs := []string{"--parsable"}
			sbatchArgs = append(sbatchArgs, strings.Fields(o.opts.StepSbatchOpts)...)

			var depIDs []string
			for _, dep := range stepSpec.Deps {
				if id, ok := stepSlurmIDs[dep]; ok {
					depIDs = append(depIDs, id)
				}
			}
			if len(depIDs) > 0 {
				sbatchArgs = append(sbatchArgs, "--dependency=afterok:"+strings.Join(depIDs, ":"))
			}

			sbatchArgs = append(sbatchArgs,
				fmt.Sprintf("--job-name=%s-b%d-%s", o.opts.JobID, branchIdx, stepName),
				fmt.Sprintf("--output=%s/slurm-%%j.out", stepRepx),
				"--wrap", wrapped,
			)

			out, err := exec.Command("sbatch", sbatchArgs...).Output()
			if err != nil {
				return nil, nil, fmt.Errorf("sbatch submission for branch #%d step %q failed: %w", branchIdx, stepName, exitStderr(err))
			}

			slurmID := strings.TrimSpace(string(out))
			if id, err := strconv.ParseUint(slurmID, 10, 32); err == nil {
				workerIDs = append(workerIDs, uint32(id))
			}
			stepSlurmIDs[stepName] = slurmID
		}

		sinkID, ok := stepSlurmIDs[o.opts.Steps.SinkStep]
		if !ok {
			return nil, nil, fmt.Errorf("sink step %q was not submitted for branch #%d", o.opts.Steps.SinkStep, branchIdx)
		}
		sinkStepIDs = append(sinkStepIDs, sinkID)
	}

	common.GetLogger().Info().Int("branches", len(items)).Int("steps_per_branch", len(order)).Int("total_worker_jobs", len(workerIDs)).Msg("submitted branches to slurm")
	return sinkStepIDs, workerIDs, nil
}

// submitSlurmGatherJob submits the gather phase as a job depending
// afterany on every branch's sink step, so it runs once all branches have
// either finished their last step or failed it.
func submitSlurmGatherJob(o *orchestrator, sinkStepIDs []string) error {
	selfExe, err := findSelfExecutable()
	if err != nil {
		return err
	}

	gatherArgs := []string{
		"internal-scatter-gather",
		"--phase", "gather",
		"--job-id", o.opts.JobID.String(),
		"--runtime", string(o.opts.Runtime.Kind),
		"--base-path", o.opts.BasePath,
		"--host-tools-dir", o.opts.HostToolsDirName,
		"--scheduler", "slurm",
		"--step-sbatch-opts", "",
		"--job-package-path", o.opts.JobPackagePath,
		"--scatter-exe-path", o.opts.ScatterExePath,
		"--gather-exe-path", o.opts.GatherExePath,
		"--steps-json", stepsJSONFor(o.opts.Steps),
		"--last-step-outputs-json", o.opts.LastStepOutputsJSON,
	}
	if o.opts.MountHostPaths {
		gatherArgs = append(gatherArgs, "--mount-host-paths")
	}
	for _, p := range o.opts.MountPaths {
		gatherArgs = append(gatherArgs, "--mount-paths", p)
	}
	if o.opts.NodeLocalPath != "" {
		gatherArgs = append(gatherArgs, "--node-local-path", o.opts.NodeLocalPath)
	}
	if o.opts.AnchorID != nil {
		gatherArgs = append(gatherArgs, "--anchor-id", strconv.FormatUint(uint64(*o.opts.AnchorID), 10))
	}

	sbatchArgs := []string{"--parsable"}
	if len(sinkStepIDs) > 0 {
		sbatchArgs = append(sbatchArgs, "--dependency=afterany:"+strings.Join(sinkStepIDs, ":"))
	}
	sbatchArgs = append(sbatchArgs,
		fmt.Sprintf("--job-name=%s-gather", o.opts.JobID),
		fmt.Sprintf("--output=%s/gather/repx/slurm-%%j.out", o.jobRoot),
		"--wrap", shellJoin(selfExe, gatherArgs),
	)

	if _, err := exec.Command("sbatch", sbatchArgs...).Output(); err != nil {
		return fmt.Errorf("failed to submit gather job: %w", exitStderr(err))
	}
	return nil
}

func stepsJSONFor(steps StepsMetadata) string {
	b, _ := json.Marshal(steps)
	return string(b)
}

func findSelfExecutable() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating repx's own executable: %w", err)
	}
	return exePath, nil
}

// cancelWorkersFromManifest best-effort-reads worker_slurm_ids.json under
// repxDir and scancels every id in it; failures are logged, never returned,
// since this only ever runs on an already-failing path.
func cancelWorkersFromManifest(repxDir string) {
	data, err := os.ReadFile(filepath.Join(repxDir, common.ManifestWorkerSlurmIds))
	if err != nil {
		return
	}
	var ids []uint32
	if err := json.Unmarshal(data, &ids); err != nil || len(ids) == 0 {
		return
	}
	args := make([]string, len(ids))
	for i, id := range ids {
		args[i] = strconv.FormatUint(uint64(id), 10)
	}
	if err := exec.Command("scancel", args...).Run(); err != nil {
		common.GetLogger().Warn().Err(err).Msg("failed to cancel worker jobs")
	}
}

func scancelAnchor(anchorID *uint32) {
	if anchorID == nil {
		return
	}
	_ = exec.Command("scancel", strconv.FormatUint(uint64(*anchorID), 10)).Run()
}

func releaseAnchor(anchorID *uint32) {
	if anchorID == nil {
		return
	}
	id := strconv.FormatUint(uint64(*anchorID), 10)
	common.GetLogger().Info().Str("anchor_id", id).Msg("releasing anchor job")
	_ = exec.Command("scontrol", "release", id).Run()
}

// commandToShellString renders cmd as a single POSIX shell command string
// for sbatch --wrap, single-quoting every argument.
func commandToShellString(cmd *exec.Cmd) string {
	parts := make([]string, 0, len(cmd.Args))
	for _, a := range cmd.Args {
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}

func shellJoin(program string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, "'"+strings.ReplaceAll(program, "'", `'\''`)+"'")
	for _, a := range args {
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}

// exitStderr enriches err with the command's captured stderr when it is
// an *exec.ExitError.
func exitStderr(err error) error {
	if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return err
}

func jsonRawEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	aNorm, _ := json.Marshal(av)
	bNorm, _ := json.Marshal(bv)
	return string(aNorm) == string(bNorm)
}

func stepsAsExecutables(steps map[string]StepSpec) map[string]model.Executable {
	out := make(map[string]model.Executable, len(steps))
	for name, spec := range steps {
		out[name] = model.Executable{Deps: spec.Deps}
	}
	return out
}
