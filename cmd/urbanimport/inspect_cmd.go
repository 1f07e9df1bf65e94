package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/rpattn/urbanimport/internal/spreadsheet"
	"github.com/rpattn/urbanimport/pkg/validator"
)

type inspection struct {
	File      string   `json:"file"`
	Format    string   `json:"format"`
	Sheet     string   `json:"sheet"`
	HeaderRow int      `json:"header_row"`
	Headers   []string `json:"headers"`
	Entity    string   `json:"entity,omitempty"`
	Unmapped  []string `json:"unmapped,omitempty"`
	BindError string   `json:"bind_error,omitempty"`
}

func newInspectCmd(a *app) *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show the detected format, sheet and header of a spreadsheet",
		Long: "Show the detected format, sheet and header of a spreadsheet. With --entity the\n" +
			"header is also bound to the entity's columns, which needs the database.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer func() { _ = a.close() }()
			opts.file = args[0]

			reader, err := spreadsheet.Open(opts.file, spreadsheet.Options{Sheet: opts.sheet, HeaderRow: opts.headerRow})
			if err != nil {
				return withCode(exitInput, err)
			}
			defer func() { _ = reader.Close() }()

			header := reader.Header()
			out := inspection{
				File:      opts.file,
				Format:    string(reader.Format()),
				Sheet:     reader.Sheet(),
				HeaderRow: header.Row,
				Headers:   header.Names,
			}

			if opts.entity != "" {
				cfg, err := buildImportConfig(a.cfg, opts, cmd.Flags().Changed)
				if err != nil {
					return withCode(exitUsage, err)
				}
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
				et, err := catalog.EntityType(cfg.Entity)
				if err != nil {
					return withCode(exitUsage, err)
				}
				out.Entity = et.Name
				binding, err := validator.New(cfg.Validator).Bind(header, et)
				if err != nil {
					out.BindError = err.Error()
				} else {
					out.Unmapped = binding.Unmapped
				}
			}

			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if out.BindError != "" {
				return withCode(exitInput, errors.New(out.BindError))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.entity, "entity", "e", "", "Bind the header to this entity type")
	cmd.Flags().StringVar(&opts.sheet, "sheet", "", "Sheet to read (default: first sheet)")
	cmd.Flags().IntVar(&opts.headerRow, "header-row", 0, "1-based header row (default: first non-blank row)")
	return cmd
}
