package worker

import (
	"fmt"

	"runbox/internal/catalog"
	"runbox/internal/sandbox"
)

// outcome is the verdict on one finished sandbox run.
type outcome struct {
	Success bool
	Output  string
	Reason  string
}

// classify turns a driver result into a job verdict.
//
// Compiled languages (treatStderrAsFailure) fail on any stderr even with
// exit 0: a `cc ... && ./prog` pipeline can exit 0 after the compiler wrote
// diagnostics, and surfacing those beats silently returning partial output.
// Interpreted languages routinely write benign noise to stderr, so for them
// only the exit code decides.
func classify(desc catalog.Descriptor, res *sandbox.Result, timeoutSeconds int) outcome {
	if res.TimedOut {
		reason := fmt.Sprintf("Timeout after %d seconds", timeoutSeconds)
		if res.Stderr != "" {
			reason += "\nStderr:\n" + res.Stderr
		}
		return outcome{Reason: reason}
	}
	if res.ExitCode != 0 {
		reason := fmt.Sprintf("Command exited with code %d", res.ExitCode)
		if res.Stderr != "" {
			reason += "\nStderr:\n" + res.Stderr
		}
		return outcome{Reason: reason}
	}
	if res.Stderr != "" && desc.TreatStderrAsFailure {
		return outcome{Reason: "Execution potentially failed. Stderr:\n" + res.Stderr}
	}
	return outcome{Success: true, Output: res.Stdout}
}
