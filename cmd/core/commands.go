package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/models"
	"github.com/kimhsiao/invsync/backend/internal/services"
	syncpkg "github.com/kimhsiao/invsync/backend/internal/sync"
	"github.com/kimhsiao/invsync/backend/internal/sync/queue"
	"github.com/kimhsiao/invsync/backend/internal/sync/status"
)

func (a *app) enqueueCmd() *cobra.Command {
	var (
		kind       string
		entityType string
		entityID   string
		payload    string
		dependsOn  string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a create, update or delete",
		Long: `Record a mutation in the local queue. A create without --id gets a
local placeholder id (local:<operation id>) that later operations may target
until the remote store assigns the real id.`,
		Example: `  invsync enqueue --kind create --payload '{"name":"Drill","quantity":1}'
  invsync enqueue --kind update --id local:<op> --payload '{"quantity":2}'
  invsync enqueue --kind delete --id item-42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := models.ParseKind(kind)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "invalid --kind", err)
			}
			op := &models.Operation{
				Kind:       k,
				EntityType: entityType,
				EntityID:   entityID,
				DependsOn:  models.UUID(dependsOn),
				UserID:     userID,
			}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "payload must be a JSON object", err)
				}
			}

			return a.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				id, err := svc.Enqueue(ctx, op)
				if err != nil {
					return err
				}
				rec, err := svc.Get(ctx, id)
				if err != nil {
					return err
				}
				return a.render(rec, func(w io.Writer) error {
					fmt.Fprintf(w, "Enqueued %s %s/%s as %s\n", rec.Kind, rec.EntityType, rec.EntityID, rec.ID)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "operation kind (create, update, delete)")
	cmd.Flags().StringVar(&entityType, "type", models.EntityInventoryItem, "entity type")
	cmd.Flags().StringVar(&entityID, "id", "", "entity id (required for update and delete)")
	cmd.Flags().StringVar(&payload, "payload", "", "payload as a JSON object")
	cmd.Flags().StringVar(&dependsOn, "depends-on", "", "operation id that must complete first")
	cmd.Flags().StringVar(&userID, "user", "", "user id (default: remote.user_id)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var (
		statuses []string
		entityID string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := queue.Filter{EntityID: entityID, Limit: limit}
			for _, s := range statuses {
				st := models.Status(s)
				switch st {
				case models.StatusPending, models.StatusInFlight, models.StatusCompleted, models.StatusFailed:
				default:
					return apperrors.Newf(apperrors.ErrInvalid, "unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, st)
			}

			return a.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				ops, err := svc.List(ctx, filter)
				if err != nil {
					return err
				}
				if ops == nil {
					ops = []*models.Operation{}
				}
				return a.render(ops, func(w io.Writer) error {
					return writeOperations(w, ops)
				})
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending, in_flight, completed, failed)")
	cmd.Flags().StringVar(&entityID, "entity", "", "filter by entity id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of records (0 for all)")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <operation-id>",
		Short: "Show one queued operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				op, err := svc.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return a.render(op, func(w io.Writer) error {
					return writeOperation(w, op)
				})
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				snap := svc.Status()
				return a.render(snap, func(w io.Writer) error {
					return writeSnapshot(w, snap)
				})
			})
		},
	}
}

func writeSnapshot(w io.Writer, snap status.Snapshot) error {
	online := "offline"
	if snap.Online {
		online = "online"
	}
	fmt.Fprintf(w, "Connectivity:\t%s\n", online)
	fmt.Fprintf(w, "Phase:\t%s\n", snap.Phase)
	fmt.Fprintf(w, "Pending:\t%d\n", snap.Pending)
	fmt.Fprintf(w, "In flight:\t%d\n", snap.InFlight)
	fmt.Fprintf(w, "Completed:\t%d\n", snap.Completed)
	fmt.Fprintf(w, "Failed:\t%d\n", snap.Failed)
	if snap.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", snap.LastError)
	}
	return nil
}

func (a *app) syncCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued operations to the remote store now",
		Long: `Run one sync pass and wait for it. Operations still waiting for a
retry deadline are left for a later pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				result, err := svc.SyncNow(ctx)
				if err != nil {
					return err
				}
				return a.render(result, func(w io.Writer) error {
					return writeResult(w, result)
				})
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the pass after this long (0 uses sync.pass_timeout)")
	return cmd
}

func writeResult(w io.Writer, r *syncpkg.SyncResult) error {
	fmt.Fprintf(w, "Sent:\t%d\n", r.Sent)
	fmt.Fprintf(w, "Completed:\t%d\n", r.Completed)
	fmt.Fprintf(w, "Retried:\t%d\n", r.Retried)
	fmt.Fprintf(w, "Failed:\t%d\n", r.Failed)
	fmt.Fprintf(w, "Discarded:\t%d\n", r.Discarded)
	fmt.Fprintf(w, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))
	if r.Cancelled {
		fmt.Fprintln(w, "Cancelled:\tyes")
	}
	return nil
}

type countResult struct {
	Count int `json:"count" yaml:"count"`
}

func (a *app) renderCount(verb string, n int) error {
	return a.render(countResult{Count: n}, func(w io.Writer) error {
		fmt.Fprintf(w, "%s %d operation(s)\n", verb, n)
		return nil
	})
}

func (a *app) retryCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [operation-id]",
		Short: "Move failed operations back to pending",
		Long: `Move a failed operation, or every failed operation with --all, back to
pending. The retry ceiling starts over from the current attempt count.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return apperrors.New(apperrors.ErrInvalid, "pass an operation id or --all")
			}
			return a.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				if all {
					n, err := svc.RetryAllFailed(ctx)
					if err != nil {
						return err
					}
					return a.renderCount("Requeued", n)
				}
				op, err := svc.RetryFailed(ctx, args[0])
				if err != nil {
					return err
				}
				return a.render(op, func(w io.Writer) error {
					fmt.Fprintf(w, "Requeued %s\n", op.ID)
					return nil
				})
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "retry every failed operation")
	return cmd
}

func (a *app) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <operation-id>",
		Short: "Delete one operation that is not in flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				if err := svc.Remove(ctx, args[0]); err != nil {
					return err
				}
				return a.renderCount("Removed", 1)
			})
		},
	}
}

func (a *app) clearCmd() *cobra.Command {
	var (
		pending       bool
		completedOnly bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove completed and failed operations",
		Long: `Remove completed and failed operations. With --pending, operations
that have not been sent are discarded too. In-flight operations are never
removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pending && completedOnly {
				return apperrors.New(apperrors.ErrInvalid, "--pending and --completed are exclusive")
			}
			return a.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				var (
					n   int
					err error
				)
				if completedOnly {
					n, err = svc.ClearCompleted(ctx)
				} else {
					n, err = svc.ClearQueue(ctx, pending)
				}
				if err != nil {
					return err
				}
				return a.renderCount("Removed", n)
			})
		},
	}

	cmd.Flags().BoolVar(&pending, "pending", false, "also discard pending operations")
	cmd.Flags().BoolVar(&completedOnly, "completed", false, "only remove completed operations")
	return cmd
}

func (a *app) purgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove completed operations past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *services.SyncService) error {
				retention := olderThan
				if !cmd.Flags().Changed("older-than") {
					retention = svc.Config().Queue.Retention
				}
				n, err := svc.PurgeCompleted(ctx, retention)
				if err != nil {
					return err
				}
				return a.renderCount("Purged", n)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default: queue.retention)")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the effective configuration as YAML. The remote token is never printed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(a.out)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func versionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out, "invsync v%s\n", Version)
		},
	}
}
