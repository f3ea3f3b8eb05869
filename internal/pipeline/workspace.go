package pipeline

import (
	"os"
	"path/filepath"
)

// Workspace is the per-job pair of temp input/output files. Created on
// job entry, unconditionally removed on job exit regardless of outcome.
type Workspace struct {
	InputPath  string
	OutputPath string
}

func newWorkspace(tempDir, jobID string) Workspace {
	return Workspace{
		InputPath:  filepath.Join(tempDir, "input-"+jobID+".tmp"),
		OutputPath: filepath.Join(tempDir, "output-"+jobID+".mp4"),
	}
}

// Cleanup removes both workspace files. It is unconditional and silent
// about files that are already gone.
func (w Workspace) Cleanup() {
	_ = os.Remove(w.InputPath)
	_ = os.Remove(w.OutputPath)
}
