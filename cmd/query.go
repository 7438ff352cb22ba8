package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/epidata"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/planner"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/query"
)

type queryFlags struct {
	signals    []string
	geoType    string
	geoValues  string
	timeType   string
	timeValues string
	asOf       string
	issues     string
	columns    []string
}

func newQueryCmd(a *app) *cobra.Command {
	var flags queryFlags

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Fetch signals and print them as CSV",
		Long: `Fetch one or more signals and print the merged result as CSV.

Ranges use the API's wire form: '*' for every value, a single value,
an interval such as 20220401-20220430, or a comma separated list.`,
		Example: `  epidata query --signal hhs:confirmed_admissions_influenza_1d \
    --geo-type nation --geo-values '*' --time-type day \
    --time-values 20220401-20220430 --as-of 20220510 \
    --columns geo_value,time_value,value,signal`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := flags.params()
			if err != nil {
				return err
			}

			c, err := a.openContext(nil)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tbl, err := c.Query(ctx, params)
			if err != nil {
				return err
			}
			return tbl.WriteCSV(cmd.OutOrStdout(), flags.columns...)
		},
	}

	cmd.Flags().StringSliceVar(&flags.signals, "signal", nil, "signal as source:name (repeatable)")
	cmd.Flags().StringVar(&flags.geoType, "geo-type", "", "geography type (nation, state, county, ...)")
	cmd.Flags().StringVar(&flags.geoValues, "geo-values", "*", "geographies to select")
	cmd.Flags().StringVar(&flags.timeType, "time-type", query.TimeTypeDay, "time type (day or week)")
	cmd.Flags().StringVar(&flags.timeValues, "time-values", "", "time values to select")
	cmd.Flags().StringVar(&flags.asOf, "as-of", "", "snapshot date (YYYYMMDD); latest when empty")
	cmd.Flags().StringVar(&flags.issues, "issues", "", "restrict to these issue dates")
	cmd.Flags().StringSliceVar(&flags.columns, "columns", nil, "columns to print, in order")
	_ = cmd.MarkFlagRequired("signal")
	_ = cmd.MarkFlagRequired("geo-type")
	_ = cmd.MarkFlagRequired("time-values")

	return cmd
}

func (f queryFlags) params() (epidata.Params, error) {
	var p epidata.Params
	for _, s := range f.signals {
		sig, err := planner.ParseSignal(s)
		if err != nil {
			return p, err
		}
		p.Signals = append(p.Signals, sig)
	}

	p.GeoType = f.geoType
	p.TimeType = f.timeType

	var err error
	if p.GeoValues, err = query.ParseRange(f.geoValues, query.ParseGeoCode); err != nil {
		return p, fmt.Errorf("--geo-values: %w", err)
	}
	if p.TimeValues, err = query.ParseRange(f.timeValues, query.ParseTimeValue); err != nil {
		return p, fmt.Errorf("--time-values: %w", err)
	}
	if f.asOf != "" {
		if p.AsOf, err = query.ParseDate(f.asOf); err != nil {
			return p, fmt.Errorf("--as-of: %w", err)
		}
	}
	if f.issues != "" {
		if p.Issues, err = query.ParseRange(f.issues, query.ParseDate); err != nil {
			return p, fmt.Errorf("--issues: %w", err)
		}
	}
	return p, nil
}
