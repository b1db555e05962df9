// -----------------------------------------------------------------------
// Mapping Analysis - Reconciles dataset references against the catalog
// -----------------------------------------------------------------------

package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
)

// Engine computes mapping analyses. Output depends only on the dataset rows,
// the configuration and the catalog contents, so two runs against an
// unchanged catalog produce identical sections.
type Engine struct {
	catalog interfaces.CatalogStorage
	logger  arbor.ILogger
	now     func() time.Time
}

// NewEngine creates an analysis engine reading from catalog.
func NewEngine(catalog interfaces.CatalogStorage, logger arbor.ILogger) *Engine {
	return &Engine{
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
	}
}

// RequiredKinds returns the sorted entity kinds an analysis must cover: every
// kind referenced by the dataset schema, the category and variant kinds when
// configurations are referenced, and every kind the configuration maps.
func RequiredKinds(dataset *models.Dataset, cfg *models.ImportConfiguration) []string {
	set := map[string]struct{}{}
	if dataset != nil {
		for _, col := range dataset.ReferenceColumns() {
			set[col.EntityKind] = struct{}{}
		}
	}
	if _, ok := set[models.EntityKindConfigurations]; ok {
		set[models.EntityKindConfigurationCategories] = struct{}{}
		set[models.EntityKindConfigurationVariants] = struct{}{}
	}
	for _, kind := range cfg.Kinds() {
		set[kind] = struct{}{}
	}

	kinds := make([]string, 0, len(set))
	for kind := range set {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// IsComplete reports whether analysis covers every kind.
func IsComplete(analysis *models.MappingAnalysis, kinds []string) bool {
	return analysis.IsComplete(kinds)
}

// References collects the distinct external names per kind, keyed by
// normalized name, keeping the first spelling seen.
func References(dataset *models.Dataset, rows []models.Row) map[string]map[string]string {
	refs := map[string]map[string]string{}
	for _, col := range dataset.ReferenceColumns() {
		if refs[col.EntityKind] == nil {
			refs[col.EntityKind] = map[string]string{}
		}
		for _, row := range rows {
			for _, name := range SplitReference(row[col.Name], col.Multi) {
				key := models.NormalizeName(name)
				if _, seen := refs[col.EntityKind][key]; !seen {
					refs[col.EntityKind][key] = name
				}
			}
		}
	}
	return refs
}

// SplitReference returns the trimmed, non-empty names in a cell.
func SplitReference(value string, multi bool) []string {
	parts := []string{value}
	if multi {
		parts = strings.Split(value, ",")
	}
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

// CatalogRevision returns the catalog's current write revision.
func (e *Engine) CatalogRevision(ctx context.Context) (uint64, error) {
	return e.catalog.Revision(ctx)
}

// Analyze reconciles the references in rows against the tenant's catalog.
func (e *Engine) Analyze(ctx context.Context, job *models.ImportJob, dataset *models.Dataset, rows []models.Row) (*models.MappingAnalysis, error) {
	if dataset == nil {
		return nil, models.NewBusinessError("dataset is missing", models.ErrDatasetNotFound)
	}

	revision, err := e.catalog.Revision(ctx)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to read catalog revision: %w", err))
	}

	kinds := RequiredKinds(dataset, job.Configuration)
	refs := References(dataset, rows)

	result := &models.MappingAnalysis{
		RequiredKinds:     kinds,
		AmbiguousEntities: make(map[string][]models.AmbiguousEntity, len(kinds)),
		ExistingEntities:  make(map[string][]models.EntityRef, len(kinds)),
		MissingEntities:   make(map[string][]string, len(kinds)),
		ResolvedEntities:  make(map[string]map[string]string, len(kinds)),
		CatalogRevision:   revision,
		ComputedAt:        e.now().UTC(),
	}

	for _, kind := range kinds {
		entities, err := e.catalog.ListEntities(ctx, job.TenantID, kind)
		if err != nil {
			return nil, models.Transient(fmt.Errorf("failed to load %s catalog: %w", kind, err))
		}
		e.analyzeKind(result, kind, refs[kind], entities)
	}

	e.logger.Debug().
		Str("job_id", job.ID).
		Strs("kinds", kinds).
		Int("ambiguous", countAmbiguous(result)).
		Int("missing", countMissing(result)).
		Msg("Mapping analysis computed")

	return result, nil
}

func (e *Engine) analyzeKind(result *models.MappingAnalysis, kind string, refs map[string]string, entities []*models.CatalogEntity) {
	byName := map[string][]models.EntityRef{}
	existing := make([]models.EntityRef, 0, len(entities))
	for _, entity := range entities {
		ref := models.EntityRef{ID: entity.ID, Name: entity.Name}
		existing = append(existing, ref)
		key := entity.NormalizedName
		if key == "" {
			key = models.NormalizeName(entity.Name)
		}
		byName[key] = append(byName[key], ref)
	}
	sort.SliceStable(existing, func(i, j int) bool {
		ni, nj := models.NormalizeName(existing[i].Name), models.NormalizeName(existing[j].Name)
		if ni != nj {
			return ni < nj
		}
		return existing[i].ID < existing[j].ID
	})

	keys := make([]string, 0, len(refs))
	for key := range refs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ambiguous := []models.AmbiguousEntity{}
	missing := []string{}
	resolved := map[string]string{}

	for _, key := range keys {
		matches := byName[key]
		switch len(matches) {
		case 0:
			missing = append(missing, refs[key])
		case 1:
			resolved[key] = matches[0].ID
		default:
			candidates := append([]models.EntityRef(nil), matches...)
			sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
			ambiguous = append(ambiguous, models.AmbiguousEntity{Name: refs[key], Candidates: candidates})
		}
	}

	result.AmbiguousEntities[kind] = ambiguous
	result.ExistingEntities[kind] = existing
	result.MissingEntities[kind] = missing
	result.ResolvedEntities[kind] = resolved
}

func countAmbiguous(a *models.MappingAnalysis) int {
	n := 0
	for _, v := range a.AmbiguousEntities {
		n += len(v)
	}
	return n
}

func countMissing(a *models.MappingAnalysis) int {
	n := 0
	for _, v := range a.MissingEntities {
		n += len(v)
	}
	return n
}
