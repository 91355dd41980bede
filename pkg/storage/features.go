package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/srn"
)

// Feature tables are created per (convention version, hook) from the
// hook's declared feature schema. Table and column names are built from
// identifiers the registration path validated, and re-checked here before
// they are interpolated into DDL.

var sqlIdentifier = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// maxIdentifierLen is the relational identifier length bound.
const maxIdentifierLen = 63

// featureColumnTypes maps declared column types to their SQL shapes.
var featureColumnTypes = map[string]string{
	"text":    "TEXT",
	"integer": "BIGINT",
	"double":  "DOUBLE PRECISION",
	"boolean": "BOOLEAN",
	"json":    "JSONB",
}

// FeatureTableName derives the table name for one (convention, hook)
// pair: features_{domain}_{localID}_{version}_{hook} with SRN punctuation
// folded to underscores. Derived names longer than the identifier bound
// are truncated and suffixed with a hash of the full name, so long but
// valid SRN components still map to one stable table each.
func FeatureTableName(conventionSRN srn.SRN, hookName string) string {
	fold := func(s string) string {
		return strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				return r
			}
			return '_'
		}, strings.ToLower(s))
	}
	parts := []string{"features", fold(conventionSRN.Domain()), fold(conventionSRN.LocalID())}
	if v := conventionSRN.Version(); v != "" {
		parts = append(parts, fold(v))
	}
	parts = append(parts, fold(hookName))

	name := strings.Join(parts, "_")
	if len(name) > maxIdentifierLen {
		sum := sha256.Sum256([]byte(name))
		name = name[:maxIdentifierLen-9] + "_" + hex.EncodeToString(sum[:4])
	}
	return name
}

// ValidateFeatureSchema rejects column sets that cannot become a table:
// bad identifiers, unknown types, duplicates, or collisions with the
// implicit record_srn column.
func ValidateFeatureSchema(columns []domain.FeatureColumn) error {
	seen := map[string]bool{"record_srn": true, "created_at": true}
	for _, col := range columns {
		if !sqlIdentifier.MatchString(col.Name) {
			return fmt.Errorf("feature column %q is not a valid identifier", col.Name)
		}
		if seen[col.Name] {
			return fmt.Errorf("feature column %q declared twice", col.Name)
		}
		seen[col.Name] = true
		if _, ok := featureColumnTypes[col.Type]; !ok {
			return fmt.Errorf("feature column %q has unknown type %q", col.Name, col.Type)
		}
	}
	return nil
}

// PostgresFeatureStore implements FeatureStore with one physical table per
// (convention, hook).
type PostgresFeatureStore struct {
	db DBTX
}

func NewPostgresFeatureStore(db DBTX) *PostgresFeatureStore {
	return &PostgresFeatureStore{db: db}
}

func (s *PostgresFeatureStore) EnsureTable(ctx context.Context, conventionSRN srn.SRN, hook domain.HookSnapshot) error {
	if err := ValidateFeatureSchema(hook.FeatureColumns); err != nil {
		return fmt.Errorf("hook %q: %w", hook.Name, err)
	}

	table := FeatureTableName(conventionSRN, hook.Name)
	if !sqlIdentifier.MatchString(table) {
		return fmt.Errorf("feature table name %q is not a valid identifier", table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	b.WriteString("\trecord_srn TEXT NOT NULL,\n")
	for _, col := range hook.FeatureColumns {
		fmt.Fprintf(&b, "\t%s %s,\n", col.Name, featureColumnTypes[col.Type])
	}
	b.WriteString("\tcreated_at TIMESTAMPTZ NOT NULL DEFAULT now()\n)")

	if _, err := s.db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("create feature table %s: %w", table, err)
	}
	return nil
}

func (s *PostgresFeatureStore) InsertRows(ctx context.Context, conventionSRN srn.SRN, hook domain.HookSnapshot, recordSRN srn.SRN, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ValidateFeatureSchema(hook.FeatureColumns); err != nil {
		return fmt.Errorf("hook %q: %w", hook.Name, err)
	}
	table := FeatureTableName(conventionSRN, hook.Name)

	columns := []string{"record_srn"}
	for _, col := range hook.FeatureColumns {
		columns = append(columns, col.Name)
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	for _, row := range rows {
		args := make([]any, 0, len(columns))
		args = append(args, recordSRN.String())
		for _, col := range hook.FeatureColumns {
			value := row[col.Name]
			if col.Type == "json" && value != nil {
				encoded, err := json.Marshal(value)
				if err != nil {
					return fmt.Errorf("marshal feature column %q for %s: %w", col.Name, recordSRN, err)
				}
				value = encoded
			}
			args = append(args, value)
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert feature row into %s for %s: %w", table, recordSRN, err)
		}
	}
	return nil
}
