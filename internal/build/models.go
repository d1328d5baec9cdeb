package build

// State names a step of the build pipeline.
type State string

// Build states in the order the pipeline visits them.
const (
	StateIdle                  State = "idle"
	StateCheckPrereqs          State = "check-prereqs"
	StateBuildInstallMedia     State = "build-install-media"
	StateCreateDisk            State = "create-disk"
	StateBootWithInstallMedia  State = "boot-with-install-media"
	StateAwaitInstallReboot    State = "await-install-reboot"
	StateAwaitControlChannel   State = "await-control-channel"
	StateProvisionGuestService State = "provision-guest-service"
	StateAwaitServiceInstalled State = "await-service-installed"
	StateReconcileAPI          State = "reconcile-api"
	StateShutdown              State = "shutdown"
	StateFinalizeTemplate      State = "finalize-template"
	StateDone                  State = "done"
	StateFailed                State = "failed"
)

// DefaultMaxProvisionAttempts bounds how often guest provisioning is retried
// when the completion marker does not show up.
const DefaultMaxProvisionAttempts = 3

// Suffix of the in-progress build disk. It sits next to the template so the
// final rename stays on one filesystem.
const partialSuffix = ".partial"

// PartialPath is where the disk for templatePath is built.
func PartialPath(templatePath string) string {
	return templatePath + partialSuffix
}
