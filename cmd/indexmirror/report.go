package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/indexmirror/internal/reconcile"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type harvestReport struct {
	Key string `json:"key" yaml:"key"`
}

type inventoryRow struct {
	Key string `json:"key" yaml:"key"`
	Tag string `json:"tag" yaml:"tag"`
}

type inventoryReport struct {
	Count   int            `json:"count" yaml:"count"`
	Objects []inventoryRow `json:"objects" yaml:"objects"`
}

func newInventoryReport(inv map[string]string) inventoryReport {
	rows := make([]inventoryRow, 0, len(inv))
	for k, tag := range inv {
		rows = append(rows, inventoryRow{Key: k, Tag: tag})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	return inventoryReport{Count: len(rows), Objects: rows}
}

// writeReport renders v in the requested format.
func writeReport(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)

	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}

		return enc.Close()
	}

	return writeText(w, v)
}

func writeText(w io.Writer, v any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	switch r := v.(type) {
	case *reconcile.Result:
		fmt.Fprintf(tw, "created\t%d\n", r.Created)
		fmt.Fprintf(tw, "updated\t%d\n", r.Updated)
		fmt.Fprintf(tw, "deleted\t%d\n", r.Deleted)
		fmt.Fprintf(tw, "skipped\t%d\n", r.Skipped)
		fmt.Fprintf(tw, "failed\t%d\n", r.Failed)
		fmt.Fprintf(tw, "duration\t%s\n", r.Duration.Round(time.Millisecond))

		if len(r.Failures) > 0 {
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "KEY\tACTION\tKIND\tERROR")

			for _, f := range r.Failures {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Key, f.Action, f.Kind, f.Error)
			}
		}

	case inventoryReport:
		for _, row := range r.Objects {
			fmt.Fprintf(tw, "%s\t%s\n", row.Key, row.Tag)
		}

		fmt.Fprintf(tw, "%d objects\n", r.Count)

	case harvestReport:
		fmt.Fprintf(tw, "stored %s\n", r.Key)

	default:
		return fmt.Errorf("no text rendering for %T", v)
	}

	return tw.Flush()
}
