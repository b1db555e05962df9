package jobs

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/trellis/internal/models"
)

// Source is a parsed upload: inferred schema plus every row.
type Source struct {
	Name   string
	Schema []models.ColumnDef
	Rows   []models.Row
}

// SourceReader parses the file a job's SourceRef points at.
type SourceReader interface {
	Read(ctx context.Context, sourceRef string) (*Source, error)
}

// referenceColumns maps normalized header names to catalog entity kinds.
var referenceColumns = map[string]struct {
	kind  string
	multi bool
}{
	"tags":            {models.EntityKindTags, true},
	"tag":             {models.EntityKindTags, true},
	"milestone":       {models.EntityKindMilestones, false},
	"milestones":      {models.EntityKindMilestones, true},
	"state":           {models.EntityKindStates, false},
	"status":          {models.EntityKindStates, false},
	"configuration":   {models.EntityKindConfigurations, false},
	"configurations":  {models.EntityKindConfigurations, true},
	"assignee":        {models.EntityKindUsers, false},
	"created_by":      {models.EntityKindUsers, false},
	"user":            {models.EntityKindUsers, false},
	"template":        {models.EntityKindTemplates, false},
	"folder":          {models.EntityKindFolders, false},
	"category":        {models.EntityKindConfigurationCategories, false},
	"variant":         {models.EntityKindConfigurationVariants, false},
	"config_category": {models.EntityKindConfigurationCategories, false},
	"config_variant":  {models.EntityKindConfigurationVariants, false},
}

// FileSourceReader reads CSV and JSON-lines exports from a base directory.
type FileSourceReader struct {
	baseDir string
}

// NewFileSourceReader creates a reader rooted at baseDir.
func NewFileSourceReader(baseDir string) *FileSourceReader {
	return &FileSourceReader{baseDir: baseDir}
}

// Read parses sourceRef. Unreadable or malformed input is a business error:
// retrying will not fix the file.
func (r *FileSourceReader) Read(ctx context.Context, sourceRef string) (*Source, error) {
	path, err := r.resolve(sourceRef)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, models.NewBusinessError(fmt.Sprintf("source file %q not found", sourceRef), err)
		}
		return nil, models.Transient(fmt.Errorf("failed to open source %s: %w", sourceRef, err))
	}
	defer f.Close()

	var header []string
	var rows []models.Row
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		header, rows, err = readCSV(ctx, f)
	case ".jsonl", ".ndjson":
		header, rows, err = readJSONLines(ctx, f)
	default:
		return nil, models.NewBusinessError(fmt.Sprintf("unsupported source format %q", filepath.Ext(path)), nil)
	}
	if err != nil {
		return nil, err
	}

	return &Source{
		Name:   filepath.Base(path),
		Schema: InferSchema(header, rows),
		Rows:   rows,
	}, nil
}

func (r *FileSourceReader) resolve(sourceRef string) (string, error) {
	if strings.TrimSpace(sourceRef) == "" {
		return "", models.NewBusinessError("source reference is empty", nil)
	}
	clean := filepath.Clean(sourceRef)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", models.NewBusinessError(fmt.Sprintf("source reference %q escapes the source directory", sourceRef), nil)
	}
	return filepath.Join(r.baseDir, clean), nil
}

func readCSV(ctx context.Context, in io.Reader) ([]string, []models.Row, error) {
	reader := csv.NewReader(bufio.NewReader(in))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, models.NewBusinessError("source file is empty", nil)
		}
		return nil, nil, models.NewBusinessError("malformed CSV header", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []models.Row
	for line := 2; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, models.Transient(err)
			}
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, models.NewBusinessError(fmt.Sprintf("malformed CSV at line %d", line), err)
		}
		row := make(models.Row, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			} else {
				row[name] = ""
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func readJSONLines(ctx context.Context, in io.Reader) ([]string, []models.Row, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	seen := map[string]struct{}{}
	var header []string
	var rows []models.Row
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, nil, models.NewBusinessError(fmt.Sprintf("malformed JSON at line %d", line), err)
		}

		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		row := make(models.Row, len(raw))
		for _, k := range keys {
			row[k] = stringify(raw[k])
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				header = append(header, k)
			}
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, models.NewBusinessError("failed to read JSON lines", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, models.Transient(err)
	}
	if len(header) == 0 {
		return nil, nil, models.NewBusinessError("source file is empty", nil)
	}
	return header, rows, nil
}

// stringify flattens a JSON value into a cell; arrays become comma lists.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ", ")
	default:
		data, _ := json.Marshal(val)
		return string(data)
	}
}

// InferSchema types each column: known reference headers map to an entity
// kind, columns whose non-empty values all parse as numbers are numeric.
func InferSchema(header []string, rows []models.Row) []models.ColumnDef {
	schema := make([]models.ColumnDef, 0, len(header))
	for _, name := range header {
		if ref, ok := referenceColumns[models.NormalizeName(name)]; ok {
			schema = append(schema, models.ColumnDef{
				Name:       name,
				Type:       models.ColumnTypeReference,
				EntityKind: ref.kind,
				Multi:      ref.multi,
			})
			continue
		}

		colType := models.ColumnTypeString
		numeric, hasValue := true, false
		for _, row := range rows {
			v := strings.TrimSpace(row[name])
			if v == "" {
				continue
			}
			hasValue = true
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				numeric = false
				break
			}
		}
		if numeric && hasValue {
			colType = models.ColumnTypeNumber
		}
		schema = append(schema, models.ColumnDef{Name: name, Type: colType})
	}
	return schema
}
