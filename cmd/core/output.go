package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/models"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// render writes v as JSON or YAML. For the table format it calls table.
func (a *app) render(v interface{}, table func(w io.Writer) error) error {
	switch strings.ToLower(a.output) {
	case formatJSON:
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatTable, "":
		tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		if err := table(tw); err != nil {
			return err
		}
		return tw.Flush()
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown output format %q", a.output)
	}
}

func writeOperations(w io.Writer, ops []*models.Operation) error {
	fmt.Fprintln(w, "ID\tKIND\tENTITY\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tERROR")
	for _, op := range ops {
		next := "-"
		if op.Status == models.StatusPending {
			next = formatTime(op.NextAttemptTime())
		}
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.Kind, op.EntityType, op.EntityID, op.Status, op.Attempts, next, dash(op.LastError))
	}
	return nil
}

func writeOperation(w io.Writer, op *models.Operation) error {
	fmt.Fprintf(w, "ID:\t%s\n", op.ID)
	fmt.Fprintf(w, "Kind:\t%s\n", op.Kind)
	fmt.Fprintf(w, "Entity:\t%s/%s\n", op.EntityType, op.EntityID)
	fmt.Fprintf(w, "Status:\t%s\n", op.Status)
	fmt.Fprintf(w, "Attempts:\t%d (retries counted: %d)\n", op.Attempts, op.RetryAttempts())
	fmt.Fprintf(w, "Depends on:\t%s\n", dash(string(op.DependsOn)))
	fmt.Fprintf(w, "Remote id:\t%s\n", dash(op.RemoteID))
	fmt.Fprintf(w, "User:\t%s\n", dash(op.UserID))
	fmt.Fprintf(w, "Next attempt:\t%s\n", formatTime(op.NextAttemptTime()))
	fmt.Fprintf(w, "Created:\t%s\n", formatTime(op.CreatedAtTime()))
	fmt.Fprintf(w, "Last error:\t%s\n", dash(op.LastError))
	if len(op.Payload) > 0 {
		payload, err := json.Marshal(op.Payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Payload:\t%s\n", payload)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() || t.Unix() == 0 {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
