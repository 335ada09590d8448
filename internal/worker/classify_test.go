package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"runbox/internal/catalog"
	"runbox/internal/sandbox"
)

func TestClassify(t *testing.T) {
	strict := catalog.Descriptor{Tag: "c", TreatStderrAsFailure: true}
	lenient := catalog.Descriptor{Tag: "python", TreatStderrAsFailure: false}

	tests := []struct {
		name        string
		desc        catalog.Descriptor
		res         sandbox.Result
		wantSuccess bool
		wantOutput  string
		wantReason  string
	}{
		{
			name:        "clean exit is success",
			desc:        lenient,
			res:         sandbox.Result{Stdout: "42\n", ExitCode: 0},
			wantSuccess: true,
			wantOutput:  "42\n",
		},
		{
			name:        "clean exit is success for strict languages too",
			desc:        strict,
			res:         sandbox.Result{Stdout: "42\n", ExitCode: 0},
			wantSuccess: true,
			wantOutput:  "42\n",
		},
		{
			name:        "stderr is tolerated for interpreted languages",
			desc:        lenient,
			res:         sandbox.Result{Stdout: "ok\n", Stderr: "DeprecationWarning: old API\n", ExitCode: 0},
			wantSuccess: true,
			wantOutput:  "ok\n",
		},
		{
			name:       "stderr fails strict languages even on exit zero",
			desc:       strict,
			res:        sandbox.Result{Stdout: "partial\n", Stderr: "warning: overflow\n", ExitCode: 0},
			wantReason: "Execution potentially failed. Stderr:\nwarning: overflow\n",
		},
		{
			name:       "non-zero exit fails with stderr attached",
			desc:       lenient,
			res:        sandbox.Result{Stderr: "Traceback (most recent call last)\n", ExitCode: 1},
			wantReason: "Command exited with code 1\nStderr:\nTraceback (most recent call last)\n",
		},
		{
			name:       "non-zero exit without stderr",
			desc:       lenient,
			res:        sandbox.Result{ExitCode: 3},
			wantReason: "Command exited with code 3",
		},
		{
			name:       "timeout",
			desc:       lenient,
			res:        sandbox.Result{ExitCode: 124, TimedOut: true},
			wantReason: "Timeout after 15 seconds",
		},
		{
			name:       "timeout keeps captured stderr",
			desc:       strict,
			res:        sandbox.Result{Stderr: "loop detected\n", ExitCode: 124, TimedOut: true},
			wantReason: "Timeout after 15 seconds\nStderr:\nloop detected\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.desc, &tt.res, 15)
			assert.Equal(t, tt.wantSuccess, got.Success)
			assert.Equal(t, tt.wantOutput, got.Output)
			assert.Equal(t, tt.wantReason, got.Reason)
		})
	}
}
