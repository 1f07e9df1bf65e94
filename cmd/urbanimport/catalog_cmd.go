package main

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/rpattn/urbanimport/internal/domain"
	"github.com/rpattn/urbanimport/internal/schema"
)

type catalogColumn struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	SQLType   string   `json:"sql_type"`
	Required  bool     `json:"required"`
	Unique    bool     `json:"unique,omitempty"`
	SRID      int      `json:"srid,omitempty"`
	Reference string   `json:"reference,omitempty"`
	Allowed   []string `json:"allowed,omitempty"`
}

type catalogEntity struct {
	Name       string          `json:"name"`
	Table      string          `json:"table"`
	PrimaryKey string          `json:"primary_key"`
	Roles      domain.Roles    `json:"roles"`
	CodeUnique bool            `json:"code_unique"`
	Unchecked  []string        `json:"unchecked,omitempty"`
	Columns    []catalogColumn `json:"columns"`
}

func newCatalogCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the columns and rules loaded for every configured entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer func() { _ = a.close() }()

			ctx, cancel := a.queryContext(cmd.Context())
			defer cancel()

			svc, _, err := a.connect(ctx)
			if err != nil {
				return err
			}
			catalog, err := svc.Catalog(ctx, a.cfg.Import.LookupLimit)
			if err != nil {
				return withCode(exitDB, err)
			}
			return writeJSON(cmd.OutOrStdout(), describeCatalog(catalog))
		},
	}
}

func describeCatalog(catalog *schema.Schema) []catalogEntity {
	out := make([]catalogEntity, 0, len(catalog.Names()))
	for _, name := range catalog.Names() {
		et, err := catalog.EntityType(name)
		if err != nil {
			continue
		}
		entity := catalogEntity{
			Name:       et.Name,
			Table:      et.Schema + "." + et.Table,
			PrimaryKey: et.PrimaryKey,
			Roles:      et.Roles,
			CodeUnique: et.CodeUnique(),
			Unchecked:  et.Unchecked,
		}
		for _, c := range et.Columns {
			column := catalogColumn{
				Name:     c.Name,
				Type:     string(c.Type),
				SQLType:  c.SQLType,
				Required: c.Required,
				Unique:   c.Unique,
				SRID:     c.SRID,
			}
			if c.Reference != nil {
				column.Reference = c.Reference.Table + "." + c.Reference.Column
			}
			for label := range c.Allowed {
				column.Allowed = append(column.Allowed, label)
			}
			sort.Strings(column.Allowed)
			entity.Columns = append(entity.Columns, column)
		}
		out = append(out, entity)
	}
	return out
}
