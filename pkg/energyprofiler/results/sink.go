package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/workload"
)

// Sink persists run and session results
type Sink interface {
	WriteRun(sessionDir string, index int, rec types.RunRecord, load *workload.Result) error
	WriteSession(outcome SessionOutcome) error
}

// Sinks fans out to several sinks and joins their errors
type Sinks []Sink

func (s Sinks) WriteRun(sessionDir string, index int, rec types.RunRecord, load *workload.Result) error {
	var errs []error
	for _, sink := range s {
		if err := sink.WriteRun(sessionDir, index, rec, load); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s Sinks) WriteSession(outcome SessionOutcome) error {
	var errs []error
	for _, sink := range s {
		if err := sink.WriteSession(outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileWriter writes the JSON artifact tree
type FileWriter struct {
	mutex sync.Mutex
}

func NewFileWriter() *FileWriter {
	return &FileWriter{}
}

func (w *FileWriter) WriteRun(sessionDir string, index int, rec types.RunRecord, load *workload.Result) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	path := RunReportPath(sessionDir, index)
	if err := WriteJSON(path, NewRunReport(index, rec, load)); err != nil {
		return fmt.Errorf("writing run %d report: %w", index, err)
	}
	klog.V(2).InfoS("Wrote run report", "file", path, "energyWh", rec.EnergyWh)
	return nil
}

func (w *FileWriter) WriteSession(o SessionOutcome) error {
	if o.Summary == nil {
		return fmt.Errorf("session %s has no summary", o.ID)
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()

	path := SessionReportPath(o.Dir)
	if err := WriteJSON(path, NewSessionReport(o)); err != nil {
		return fmt.Errorf("writing session report: %w", err)
	}
	klog.V(1).InfoS("Wrote session report", "file", path, "runs", o.Summary.RunCount)
	return nil
}

// LoadSessionReport reads an energy_runs.json file
func LoadSessionReport(path string) (*SessionReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report SessionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &report, nil
}

// WriteJSON replaces path atomically, creating parent directories
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
