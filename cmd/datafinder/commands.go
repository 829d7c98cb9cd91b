package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/SanteonNL/datafinder/cmd/datafinder/app"
	"github.com/SanteonNL/datafinder/cmd/datafinder/criteria"
	"github.com/SanteonNL/datafinder/cmd/datafinder/lookup"
	"github.com/SanteonNL/datafinder/cmd/datafinder/output"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
)

func (c *cli) pullCmd() *cobra.Command {
	var (
		patientIDs   []string
		patientsFile string
		query        string
		view         string
		format       string
		stdout       bool
	)
	cmd := &cobra.Command{
		Use:   "pull <ResourceType>",
		Short: "Pull the resources of a cohort and export them as CSV or HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if patientsFile != "" {
				ids, err := readIDs(patientsFile)
				if err != nil {
					return err
				}
				patientIDs = append(patientIDs, ids...)
			}
			if format != "csv" && format != "html" {
				return fmt.Errorf("unsupported format %q", format)
			}
			return c.runPull(cmd.Context(), args[0], patientIDs, query, view, format, stdout)
		},
	}
	cmd.Flags().StringSliceVar(&patientIDs, "patients", nil, "cohort Patient ids")
	cmd.Flags().StringVar(&patientsFile, "patients-file", "", "file with one Patient id per line")
	cmd.Flags().StringVar(&query, "criteria", "", `search conditions, e.g. "&code=http://loinc.org|8480-6"`)
	cmd.Flags().StringVar(&view, "context", "", "context the column selection is remembered for")
	cmd.Flags().StringVar(&format, "format", "csv", "csv or html")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "write the export to stdout instead of the output directory")
	cmd.Flags().Int("limit", 0, "resources per patient (per code for Observations), 0 for the default")
	cmd.Flags().Int("max-pages", 1, "pages followed per request")
	cmd.Flags().String("output-dir", "output", "directory for exports and logs")
	cmd.Flags().String("s3-bucket", "", "also upload exports to this S3 bucket")
	c.bind(cmd.Flags(), map[string]string{
		"PER_PATIENT_LIMIT": "limit",
		"MAX_PAGES":         "max-pages",
		"OUTPUT_DIR":        "output-dir",
		"S3_BUCKET":         "s3-bucket",
	})
	return cmd
}

func (c *cli) runPull(ctx context.Context, resourceType string, patientIDs []string, query, view, format string, stdout bool) error {
	var sinks []output.Sink
	if !stdout {
		om, err := output.NewOutputManager(c.cfg.OutputDir, os.Stderr, c.cfg.Level())
		if err != nil {
			return err
		}
		defer om.Close()
		c.log = om.Logger()
		sinks = append(sinks, om)
		defer func() {
			c.log.Info().Str("dir", om.BaseDir()).Msg("Output written")
		}()
	}
	if c.cfg.S3Bucket != "" {
		s3Sink, err := output.NewS3Sink(ctx, output.S3Config{
			Bucket:    c.cfg.S3Bucket,
			Prefix:    c.cfg.S3Prefix,
			Region:    c.cfg.S3Region,
			Endpoint:  c.cfg.S3Endpoint,
			PathStyle: c.cfg.S3PathStyle,
		}, c.log)
		if err != nil {
			return err
		}
		sinks = append(sinks, s3Sink)
	}

	session, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	start := time.Now()
	patients, err := session.LoadPatients(ctx, patientIDs)
	if err != nil {
		return err
	}
	if len(patients) < len(patientIDs) {
		c.log.Warn().Int("requested", len(patientIDs)).Int("found", len(patients)).Msg("Not all cohort patients were found")
	}

	table, err := session.PullTable(ctx, app.TableRequest{
		ResourceType: resourceType,
		View:         view,
		Patients:     patients,
		Criteria:     query,
		Progress: func(completed, total int) {
			c.log.Debug().Int("completed", completed).Int("total", total).Msg("Pull progress")
		},
	})
	if err != nil {
		return err
	}

	name, blob := table.Blob()
	contentType := output.CSVMimeType
	if format == "html" {
		var b strings.Builder
		if err := table.RenderHTML(&b); err != nil {
			return err
		}
		name = strings.TrimSuffix(name, ".csv") + ".html"
		blob = []byte(b.String())
		contentType = "text/html; charset=utf-8"
	}

	if stdout {
		if _, err := os.Stdout.Write(blob); err != nil {
			return err
		}
	}
	for _, sink := range sinks {
		location, err := sink.Write(ctx, name, contentType, blob)
		if err != nil {
			return err
		}
		c.log.Info().Str("location", location).Msg("Export written")
	}
	if om, ok := firstOutputManager(sinks); ok {
		summary := map[string]any{
			"resourceType": resourceType,
			"criteria":     query,
			"patients":     len(patients),
			"rows":         len(table.Rows()),
			"duration":     time.Since(start).String(),
			"server":       session.Client.ServiceBaseURL(),
		}
		if _, err := om.WriteToJSON(summary, "pull_summary"); err != nil {
			c.log.Warn().Err(err).Msg("Failed to write pull summary")
		}
	}
	c.log.Info().Int("rows", len(table.Rows())).Dur("duration", time.Since(start)).Msg("Pull completed")
	return nil
}

func firstOutputManager(sinks []output.Sink) (*output.OutputManager, bool) {
	for _, s := range sinks {
		if om, ok := s.(*output.OutputManager); ok {
			return om, true
		}
	}
	return nil, false
}

func readIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open patients file: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" && !strings.HasPrefix(id, "#") {
			ids = append(ids, id)
		}
	}
	return ids, scanner.Err()
}

func (c *cli) columnsCmd() *cobra.Command {
	var (
		view    string
		visible []string
	)
	cmd := &cobra.Command{
		Use:   "columns <ResourceType>",
		Short: "List the columns of a resource type, or choose the visible ones with --set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, closeFn, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if cmd.Flags().Changed("set") {
				if err := session.Resolver.SetVisibleColumnNames(ctx, args[0], view, visible); err != nil {
					return err
				}
			}
			cols, err := session.Resolver.AvailableColumns(ctx, args[0], view)
			if err != nil {
				return err
			}
			for _, col := range cols {
				mark := " "
				if col.Visible {
					mark = "x"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %-30s %-30s %s\n", mark, col.Key(), col.DisplayName, strings.Join(col.Types, ","))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&view, "context", "", "context the column selection is remembered for")
	cmd.Flags().StringSliceVar(&visible, "set", nil, "elements of the visible columns")
	return cmd
}

func (c *cli) criteriaCmd() *cobra.Command {
	var bounds bool
	cmd := &cobra.Command{
		Use:   "criteria <ResourceType>",
		Short: "List the search parameters of a resource type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, closeFn, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			group := session.Criteria(args[0], criteria.GroupOptions{})
			names := make([]string, 0, len(group))
			for name := range group {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				d := group[name]
				if bounds && d.Kind == criteria.KindDate {
					if err := d.Attach(ctx, session.Client); err != nil {
						c.log.Warn().Err(err).Str("parameter", d.Name).Msg("Failed to load bounds")
					}
				}
				line := fmt.Sprintf("%-25s %-20s %s", d.DisplayName, d.Name, d.Kind)
				if d.Min != "" || d.Max != "" {
					line += fmt.Sprintf(" [%s .. %s]", d.Min, d.Max)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&bounds, "bounds", false, "load the date range of date parameters")
	return cmd
}

func (c *cli) lookupCmd() *cobra.Command {
	var (
		count    int
		datatype string
	)
	cmd := &cobra.Command{
		Use:   "lookup <text>",
		Short: "Find Observation codes by code or display text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session, closeFn, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := session.Lookup.Search(ctx, args[0], count, lookup.Options{Datatype: datatype})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().IntVar(&count, "count", 20, "maximum number of codes")
	cmd.Flags().StringVar(&datatype, "datatype", "", "only codes of Observations with this value type, e.g. Quantity")
	return cmd
}
