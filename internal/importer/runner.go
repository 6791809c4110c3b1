package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/FairForge/fhirbundle/internal/bundle"
	"github.com/FairForge/fhirbundle/internal/orchestration"
	"github.com/FairForge/fhirbundle/internal/queue"
	"go.uber.org/zap"
)

const (
	// DefaultChunkSize is the number of resources written per batch bundle.
	DefaultChunkSize = 500
	maxLineSize      = 16 << 20
)

// Runner executes import jobs leased from the queue.
type Runner struct {
	registry  *Registry
	processor *bundle.Processor
	sources   Opener
	chunkSize int
	logger    *zap.Logger
}

// NewRunner creates a runner. chunkSize <= 0 selects DefaultChunkSize.
func NewRunner(registry *Registry, processor *bundle.Processor, sources Opener, chunkSize int, logger *zap.Logger) *Runner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry:  registry,
		processor: processor,
		sources:   sources,
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// Handle is the queue handler for JobType. Import failures are recorded on
// the job rather than retried.
func (r *Runner) Handle(ctx context.Context, job *queue.Job) error {
	var def jobDefinition
	if err := job.Decode(&def); err != nil {
		return queue.Permanent(err)
	}

	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, ok := r.registry.start(def.ID, cancel)
	if !ok {
		return nil
	}

	logger := r.logger.With(zap.String("job_id", def.ID.String()))
	logger.Info("import started", zap.Int("inputs", len(req.Inputs)))

	total := orchestration.Summary{Errors: []string{}}
	err := r.run(jctx, req, &total, func() { r.registry.progress(def.ID, total) })

	switch {
	case err == nil:
		r.registry.finish(def.ID, total, StatusCompleted, nil, false)
		logger.Info("import completed",
			zap.Int("loaded", total.LoadedCount),
			zap.Int("failed", total.FailedCount))
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		r.registry.finish(def.ID, total, StatusCanceled, err, false)
		logger.Info("import canceled")
	case ctx.Err() != nil:
		// The worker is shutting down.
		r.registry.finish(def.ID, total, StatusFailed, err, false)
		logger.Warn("import interrupted", zap.Error(err))
	default:
		badRequest := errors.Is(err, ErrETagMismatch) || errors.Is(err, ErrInvalidRequest)
		r.registry.finish(def.ID, total, StatusFailed, err, badRequest)
		logger.Warn("import failed", zap.Error(err))
	}
	return nil
}

func (r *Runner) run(ctx context.Context, req Request, total *orchestration.Summary, progress func()) error {
	for _, in := range req.Inputs {
		rc, err := r.sources.Open(ctx, in)
		if err != nil {
			return err
		}
		err = r.load(ctx, in, rc, total, progress)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// load streams one NDJSON input into batch bundles of chunkSize entries.
func (r *Runner) load(ctx context.Context, in Input, rd io.Reader, total *orchestration.Summary, progress func()) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	entries := make([]bundle.Entry, 0, r.chunkSize)
	flush := func() error {
		if len(entries) == 0 {
			return nil
		}
		resp, err := r.processor.Process(ctx, &bundle.Bundle{
			ResourceType: "Bundle",
			Type:         bundle.TypeBatch,
			Entry:        entries,
		})
		if err != nil {
			return err
		}
		total.Add(resp.Summary)
		progress()
		entries = make([]bundle.Entry, 0, r.chunkSize)
		return ctx.Err()
	}

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		e, err := importEntry(in.Type, raw)
		if err != nil {
			total.FailedCount++
			total.Errors = append(total.Errors, fmt.Sprintf("%s line %d: %v", in.URL, line, err))
			continue
		}
		entries = append(entries, e)
		if len(entries) == r.chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", in.URL, err)
	}
	return flush()
}

// importEntry dresses one NDJSON resource as a bundle entry: an update when
// it carries an id, otherwise a create.
func importEntry(typ string, raw []byte) (bundle.Entry, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return bundle.Entry{}, fmt.Errorf("malformed resource: %w", err)
	}
	if head.ResourceType != typ {
		return bundle.Entry{}, fmt.Errorf("resource type %q does not match input type %s", head.ResourceType, typ)
	}

	resource := make(json.RawMessage, len(raw))
	copy(resource, raw)

	if head.ID == "" {
		return bundle.Entry{
			Resource: resource,
			Request:  &bundle.Request{Method: "POST", URL: typ},
		}, nil
	}
	return bundle.Entry{
		FullURL:  typ + "/" + head.ID,
		Resource: resource,
		Request:  &bundle.Request{Method: "PUT", URL: typ + "/" + head.ID},
	}, nil
}
