package common

// Marker file names an execution backend writes into a job's "repx"
// outcome directory on completion.
const (
	MarkerSuccess = "SUCCESS"
	MarkerFail    = "FAIL"
)

// Log file names written alongside a job's outcome marker.
const (
	LogStdout = "stdout.log"
	LogStderr = "stderr.log"
)

// Manifest file names used by the scatter-gather orchestrator and the
// batch scheduler driver.
const (
	ManifestWorkItems      = "work_items.json"
	ManifestWorkerOuts     = "worker_outs_manifest.json"
	ManifestWorkerSlurmIds = "worker_slurm_ids.json"

	// SlurmIDFile holds the plain decimal SLURM job id the batch driver
	// assigned a job's own sbatch submission, written under that job's
	// repx output dir so a later `repx cancel` invocation (a distinct
	// process) can find it.
	SlurmIDFile = "slurm_id"
)

// Well-known directory names under a target's base path.
const (
	DirRepx      = "repx"
	DirOutputs   = "outputs"
	DirArtifacts = "artifacts"
	DirJobs      = "jobs"
	DirBin       = "bin"
	DirOut       = "out"
	DirGcroots   = "gcroots"
	DirStore     = "store"
	DirImages    = "images"
)

// TargetLocal is the reserved name of the built-in local execution
// target every config implicitly has.
const TargetLocal = "local"
