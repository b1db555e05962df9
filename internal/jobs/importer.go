package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/analysis"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
)

// titleColumns are tried in order for the imported record title.
var titleColumns = []string{"title", "name", "case", "summary"}

// ImportResult reports how far an import pass got.
type ImportResult struct {
	Cancelled bool
	Job       *models.ImportJob // Record after the last progress write
}

// Importer writes dataset rows to the sink in batches, resolving references
// through the saved configuration and the catalog.
type Importer struct {
	manager   *Manager
	catalog   interfaces.CatalogStorage
	sink      interfaces.ImportSink
	batchSize int
	logger    arbor.ILogger
	now       func() time.Time
}

// NewImporter creates an importer.
func NewImporter(manager *Manager, catalog interfaces.CatalogStorage, sink interfaces.ImportSink, batchSize int, logger arbor.ILogger) *Importer {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Importer{
		manager:   manager,
		catalog:   catalog,
		sink:      sink,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// BatchSize is the cancellation granularity in rows.
func (im *Importer) BatchSize() int {
	return im.batchSize
}

// Run imports rows in sequential batches. Cancellation is cooperative: the
// flag is read after each batch commits, so up to one batch of rows can be
// applied after a request. Rows already written stay written.
//
// Progress is fenced to the delivery that holds job; once another delivery
// takes the run over, Run stops with models.ErrNotOwner.
func (im *Importer) Run(ctx context.Context, job *models.ImportJob, dataset *models.Dataset, rows []models.Row) (*ImportResult, error) {
	resolver, err := im.newResolver(ctx, job, dataset)
	if err != nil {
		return nil, err
	}

	current := job
	for start := 0; start < len(rows); start += im.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, models.Transient(err)
		}
		end := start + im.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		delta, firstErr, err := im.runBatch(ctx, job, dataset, resolver, rows, start, end)
		if err != nil {
			return nil, err
		}

		level := models.ActivityInfo
		message := fmt.Sprintf("Rows %d-%d: %d imported, %d errors, %d skipped", start+1, end, delta.Processed, delta.Errors, delta.Skipped)
		if firstErr != "" {
			level = models.ActivityWarn
			message += "; first error: " + firstErr
		}
		entry := models.ActivityEntry{Timestamp: im.now().UTC(), Level: level, Message: message}

		current, err = im.manager.RecordProgress(ctx, job.ID, job.Owner(), &entry, delta)
		if err != nil {
			if errors.Is(err, models.ErrNotOwner) {
				return nil, err
			}
			if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrJobNotFound) {
				return nil, models.NewBusinessError("job was finalized during import", err)
			}
			return nil, models.Transient(err)
		}

		if current.CancelRequested {
			im.logger.Info().
				Str("job_id", job.ID).
				Int("processed", current.ProcessedCount).
				Int("remaining", len(rows)-end).
				Msg("Import cancelled between batches")
			return &ImportResult{Cancelled: true, Job: current}, nil
		}
	}

	return &ImportResult{Job: current}, nil
}

func (im *Importer) runBatch(ctx context.Context, job *models.ImportJob, dataset *models.Dataset, r *resolver, rows []models.Row, start, end int) (models.ProgressDelta, string, error) {
	delta := models.ProgressDelta{Entities: map[string]int{}}
	firstErr := ""

	for i := start; i < end; i++ {
		record, rowErr, err := im.buildRecord(ctx, job, dataset, r, i, rows[i])
		if err != nil {
			return delta, "", err
		}
		switch {
		case rowErr != "":
			delta.Errors++
			if firstErr == "" {
				firstErr = fmt.Sprintf("row %d: %s", i+1, rowErr)
			}
		case record == nil:
			delta.Skipped++
		default:
			if err := im.sink.UpsertRecord(ctx, record); err != nil {
				return delta, "", models.Transient(fmt.Errorf("failed to write row %d: %w", i+1, err))
			}
			delta.Processed++
			for kind, ids := range record.References {
				delta.Entities[kind] += len(ids)
			}
		}
	}
	if len(delta.Entities) == 0 {
		delta.Entities = nil
	}
	return delta, firstErr, nil
}

// buildRecord returns a record, nil for a skipped row, or a row error message.
func (im *Importer) buildRecord(ctx context.Context, job *models.ImportJob, dataset *models.Dataset, r *resolver, index int, row models.Row) (*models.ImportedRecord, string, error) {
	title := ""
	for _, col := range titleColumns {
		for name, value := range row {
			if models.NormalizeName(name) == col && strings.TrimSpace(value) != "" {
				title = strings.TrimSpace(value)
				break
			}
		}
		if title != "" {
			break
		}
	}
	if title == "" {
		return nil, "", nil
	}

	record := &models.ImportedRecord{
		JobID:      job.ID,
		RowIndex:   index,
		Title:      title,
		References: map[string][]string{},
		Fields:     map[string]string{},
		ImportedAt: im.now().UTC(),
	}

	refCols := map[string]bool{}
	for _, col := range dataset.ReferenceColumns() {
		refCols[col.Name] = true
		for _, name := range analysis.SplitReference(row[col.Name], col.Multi) {
			id, skip, rowErr, err := r.resolve(ctx, col.EntityKind, name)
			if err != nil {
				return nil, "", err
			}
			if rowErr != "" {
				return nil, rowErr, nil
			}
			if skip {
				continue
			}
			record.References[col.EntityKind] = append(record.References[col.EntityKind], id)
		}
	}
	for kind := range record.References {
		sort.Strings(record.References[kind])
	}
	for name, value := range row {
		if !refCols[name] {
			record.Fields[name] = value
		}
	}
	return record, "", nil
}

// resolver maps external names to catalog ids for one import run.
type resolver struct {
	im      *Importer
	job     *models.ImportJob
	byName  map[string]map[string][]string // kind -> normalized name -> ids
	created map[string]string              // kind/normalized -> id
}

func (im *Importer) newResolver(ctx context.Context, job *models.ImportJob, dataset *models.Dataset) (*resolver, error) {
	r := &resolver{
		im:      im,
		job:     job,
		byName:  map[string]map[string][]string{},
		created: map[string]string{},
	}
	for _, col := range dataset.ReferenceColumns() {
		if _, loaded := r.byName[col.EntityKind]; loaded {
			continue
		}
		entities, err := im.catalog.ListEntities(ctx, job.TenantID, col.EntityKind)
		if err != nil {
			return nil, models.Transient(fmt.Errorf("failed to load %s catalog: %w", col.EntityKind, err))
		}
		index := map[string][]string{}
		for _, e := range entities {
			index[e.NormalizedName] = append(index[e.NormalizedName], e.ID)
		}
		r.byName[col.EntityKind] = index
	}
	return r, nil
}

// resolve applies, in order: an explicit configuration mapping, a unique
// catalog match, then create-missing. Ambiguous names without a mapping are
// row errors.
func (r *resolver) resolve(ctx context.Context, kind, name string) (id string, skip bool, rowErr string, err error) {
	if mapping, ok := r.job.Configuration.Lookup(kind, name); ok {
		switch mapping.Action {
		case models.MappingActionSkip:
			return "", true, "", nil
		case models.MappingActionCreate:
			id, err := r.create(ctx, kind, name)
			return id, false, "", err
		default:
			entity, err := r.im.catalog.GetEntity(ctx, mapping.TargetID)
			if err != nil || entity.Kind != kind {
				return "", false, fmt.Sprintf("%s %q is mapped to unknown entity %s", kind, name, mapping.TargetID), nil
			}
			return entity.ID, false, "", nil
		}
	}

	key := models.NormalizeName(name)
	if id, ok := r.created[kind+"/"+key]; ok {
		return id, false, "", nil
	}
	switch ids := r.byName[kind][key]; len(ids) {
	case 1:
		return ids[0], false, "", nil
	case 0:
		if r.job.Configuration != nil && r.job.Configuration.CreateMissing {
			id, err := r.create(ctx, kind, name)
			return id, false, "", err
		}
		return "", false, fmt.Sprintf("%s %q does not exist", kind, name), nil
	default:
		return "", false, fmt.Sprintf("%s %q is ambiguous (%d matches)", kind, name, len(ids)), nil
	}
}

// create adds a catalog entity with an id derived from the job, kind and
// name, so a resumed run upserts the same entity instead of a duplicate.
func (r *resolver) create(ctx context.Context, kind, name string) (string, error) {
	key := models.NormalizeName(name)
	if id, ok := r.created[kind+"/"+key]; ok {
		return id, nil
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(r.job.ID+"/"+kind+"/"+key)).String()
	entity := &models.CatalogEntity{
		ID:             id,
		Kind:           kind,
		Name:           strings.TrimSpace(name),
		TenantID:       r.job.TenantID,
		CreatedByJobID: r.job.ID,
		CreatedAt:      r.im.now().UTC(),
	}
	if err := r.im.catalog.CreateEntity(ctx, entity); err != nil {
		return "", models.Transient(fmt.Errorf("failed to create %s %q: %w", kind, name, err))
	}
	r.created[kind+"/"+key] = id
	r.im.logger.Debug().Str("job_id", r.job.ID).Str("kind", kind).Str("name", name).Msg("Catalog entity created by import")
	return id, nil
}
