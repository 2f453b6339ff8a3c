//go:build noremoteexec

package remoteexec

// NewShell returns Disabled in builds without remote execution.
func NewShell(ShellConfig) (Evaluator, error) {
	return Disabled{}, nil
}
