package hcl

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/hybridrt/internal/config"
	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/fsutil"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct {
	environ func() []string
}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a loader that evaluates expressions against the process
// environment.
func NewLoader() *Loader {
	return &Loader{environ: os.Environ}
}

// WithEnviron replaces the environment visible to expressions.
func (l *Loader) WithEnviron(environ func() []string) *Loader {
	l.environ = environ
	return l
}

// Load parses every .hcl file under paths and merges them into one model.
// At most one runtime block may exist across all files.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := fsutil.FindFiles(".hcl", paths...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %v", paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	model := &config.Model{Runtime: config.DefaultRuntime()}
	evalCtx := newEvalContext(l.environ())
	parser := hclparse.NewParser()
	seenRuntime := ""
	seenPlans := make(map[string]string)

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		for _, rb := range root.Runtime {
			if seenRuntime != "" {
				return nil, fmt.Errorf("runtime block in %s: already defined in %s", file, seenRuntime)
			}
			seenRuntime = file
			if err := translateRuntime(rb, &model.Runtime); err != nil {
				return nil, fmt.Errorf("runtime block in %s: %w", file, err)
			}
		}
		for _, mb := range root.Models {
			if prev, ok := seenPlans[mb.Name]; ok {
				return nil, fmt.Errorf("model %q in %s: already defined in %s", mb.Name, file, prev)
			}
			seenPlans[mb.Name] = file
			plan, err := translateModel(mb)
			if err != nil {
				return nil, fmt.Errorf("model %q in %s: %w", mb.Name, file, err)
			}
			model.Plans = append(model.Plans, plan)
		}
	}

	logger.Debug("HCL loading complete.", "plans", len(model.Plans), "runtime_from", seenRuntime)
	return model, nil
}

func translateRuntime(rb *runtimeBlock, rt *config.Runtime) error {
	if rb.DeviceID != nil {
		rt.DeviceID = *rb.DeviceID
	}
	if rb.StreamSyncTimeout != nil {
		d, err := time.ParseDuration(*rb.StreamSyncTimeout)
		if err != nil {
			return fmt.Errorf("stream_sync_timeout: %w", err)
		}
		rt.StreamSyncTimeout = d
	}
	if rb.MaxTilingSize != nil {
		rt.MaxTilingSize = *rb.MaxTilingSize
	}
	if rb.ExceptionDump != nil {
		rt.ExceptionDump = *rb.ExceptionDump
	}
	if rb.DumpRingSize != nil {
		rt.DumpRingSize = *rb.DumpRingSize
	}
	if rb.NumExecutors != nil {
		rt.NumExecutors = *rb.NumExecutors
	}
	if rb.QueueCapacity != nil {
		rt.QueueCapacity = *rb.QueueCapacity
	}
	for k, v := range rb.Options {
		rt.Options[k] = v
	}
	if rb.InputBatchCpy != nil {
		rt.Options[config.OptionInputBatchCopy] = *rb.InputBatchCpy
	}
	_, err := rt.InputBatchCopy()
	return err
}
