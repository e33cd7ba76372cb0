package results

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
)

// SessionDir is <root>/<language>/<framework>/<timestamp>/energy
func SessionDir(root, language, framework string, ts time.Time) string {
	return filepath.Join(root, language, framework, ts.UTC().Format(common.SessionTimestampLayout), common.EnergyDirName)
}

// RunDir holds the raw artifacts of one run
func RunDir(sessionDir string, index int) string {
	return filepath.Join(sessionDir, common.RunsDirName, fmt.Sprintf("run_%d", index))
}

// RunReportPath is the per-run energy report next to the run directories
func RunReportPath(sessionDir string, index int) string {
	return filepath.Join(sessionDir, common.RunsDirName, fmt.Sprintf("run_%d_energy.json", index))
}

// SessionReportPath is the combined statistics file of a session
func SessionReportPath(sessionDir string) string {
	return filepath.Join(sessionDir, common.EnergyRunsFileName)
}
