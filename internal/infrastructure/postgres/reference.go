package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-rxparse/internal/refdata"
)

// ErrNoReferenceVersion means the reference tables were never imported
var ErrNoReferenceVersion = errors.New("no reference table version in database")

// LoadReferenceTables reads the active reference tables. The result still
// has to pass refdata.Build before the parser uses it.
func LoadReferenceTables(ctx context.Context, db DB) (refdata.Tables, error) {
	var t refdata.Tables

	err := db.QueryRow(ctx, `SELECT version FROM ref_versions ORDER BY activated_at DESC LIMIT 1`).Scan(&t.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNoReferenceVersion
	}
	if err != nil {
		return t, fmt.Errorf("load reference version: %w", err)
	}

	if t.Brands, err = collect(ctx, db, `SELECT name, generic, form FROM ref_brands ORDER BY name`,
		func(row pgx.CollectableRow) (refdata.Brand, error) {
			var b refdata.Brand
			err := row.Scan(&b.Name, &b.Generic, &b.Form)
			return b, err
		}); err != nil {
		return t, fmt.Errorf("load brands: %w", err)
	}

	if t.Abbreviations, err = collect(ctx, db, `SELECT token, en, af FROM ref_abbreviations ORDER BY token`,
		func(row pgx.CollectableRow) (refdata.Abbreviation, error) {
			var a refdata.Abbreviation
			err := row.Scan(&a.Token, &a.English, &a.Afrikaans)
			return a, err
		}); err != nil {
		return t, fmt.Errorf("load abbreviations: %w", err)
	}

	if t.ICD10, err = collect(ctx, db, `SELECT code, description, category FROM ref_icd10 ORDER BY code`,
		func(row pgx.CollectableRow) (refdata.ICD10Entry, error) {
			var e refdata.ICD10Entry
			err := row.Scan(&e.Code, &e.Description, &e.Category)
			return e, err
		}); err != nil {
		return t, fmt.Errorf("load icd10: %w", err)
	}

	if t.Interactions, err = collect(ctx, db, `SELECT drug_a, drug_b, severity, description FROM ref_interactions ORDER BY drug_a, drug_b`,
		func(row pgx.CollectableRow) (refdata.Interaction, error) {
			var i refdata.Interaction
			err := row.Scan(&i.DrugA, &i.DrugB, &i.Severity, &i.Description)
			return i, err
		}); err != nil {
		return t, fmt.Errorf("load interactions: %w", err)
	}

	if t.Contraindications, err = collect(ctx, db, `SELECT drug, code_prefix, condition, severity FROM ref_contraindications ORDER BY drug, code_prefix`,
		func(row pgx.CollectableRow) (refdata.Contraindication, error) {
			var c refdata.Contraindication
			err := row.Scan(&c.Drug, &c.CodePrefix, &c.Condition, &c.Severity)
			return c, err
		}); err != nil {
		return t, fmt.Errorf("load contraindications: %w", err)
	}

	return t, nil
}

func collect[T any](ctx context.Context, db DB, sql string, fn pgx.RowToFunc[T]) ([]T, error) {
	rows, err := db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, fn)
}

// SaveReferenceTables replaces every reference row with t in one
// transaction and activates t.Version. Callers validate t first.
func SaveReferenceTables(ctx context.Context, db DB, t refdata.Tables) error {
	if t.Version == "" {
		return errors.New("reference tables need a version")
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"ref_brands", "ref_abbreviations", "ref_icd10", "ref_interactions", "ref_contraindications"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	copies := []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{"ref_brands", []string{"name", "generic", "form"}, brandRows(t.Brands)},
		{"ref_abbreviations", []string{"token", "en", "af"}, abbreviationRows(t.Abbreviations)},
		{"ref_icd10", []string{"code", "description", "category"}, icd10Rows(t.ICD10)},
		{"ref_interactions", []string{"drug_a", "drug_b", "severity", "description"}, interactionRows(t.Interactions)},
		{"ref_contraindications", []string{"drug", "code_prefix", "condition", "severity"}, contraindicationRows(t.Contraindications)},
	}
	for _, c := range copies {
		if len(c.rows) == 0 {
			continue
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{c.table}, c.columns, pgx.CopyFromRows(c.rows)); err != nil {
			return fmt.Errorf("copy %s: %w", c.table, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ref_versions (version) VALUES ($1)
		ON CONFLICT (version) DO UPDATE SET activated_at = NOW()
	`, t.Version); err != nil {
		return fmt.Errorf("activate version %s: %w", t.Version, err)
	}

	return tx.Commit(ctx)
}

func brandRows(in []refdata.Brand) [][]any {
	out := make([][]any, len(in))
	for i, b := range in {
		out[i] = []any{b.Name, b.Generic, b.Form}
	}
	return out
}

func abbreviationRows(in []refdata.Abbreviation) [][]any {
	out := make([][]any, len(in))
	for i, a := range in {
		out[i] = []any{a.Token, a.English, a.Afrikaans}
	}
	return out
}

func icd10Rows(in []refdata.ICD10Entry) [][]any {
	out := make([][]any, len(in))
	for i, e := range in {
		out[i] = []any{e.Code, e.Description, e.Category}
	}
	return out
}

func interactionRows(in []refdata.Interaction) [][]any {
	out := make([][]any, len(in))
	for i, x := range in {
		out[i] = []any{x.DrugA, x.DrugB, string(x.Severity), x.Description}
	}
	return out
}

func contraindicationRows(in []refdata.Contraindication) [][]any {
	out := make([][]any, len(in))
	for i, c := range in {
		out[i] = []any{c.Drug, c.CodePrefix, c.Condition, string(c.Severity)}
	}
	return out
}

// ReferenceLoader adapts LoadReferenceTables to refdata.LoaderFunc
func ReferenceLoader(db DB) refdata.LoaderFunc {
	return func(ctx context.Context) (refdata.Tables, error) {
		return LoadReferenceTables(ctx, db)
	}
}
