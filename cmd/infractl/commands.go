// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"

	"github.com/railinfra/infracache/services/infra/autofix"
	"github.com/railinfra/infracache/services/infra/edit"
	"github.com/railinfra/infracache/services/infra/schema"
	"github.com/railinfra/infracache/services/infra/store"
	"github.com/spf13/cobra"
)

func parseInfraID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid infra id %q", arg)
	}
	return id, nil
}

// openInput opens path for reading. "-" reads the command's stdin.
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	r, err := openInput(cmd, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func generatedLabel(infra *store.Infra) string {
	if infra.GeneratedVersion == nil {
		return "-"
	}
	return strconv.FormatInt(*infra.GeneratedVersion, 10)
}

func printResult(w io.Writer, r *edit.Result) {
	state := "stale"
	if r.Fresh {
		state = "fresh"
	}
	fmt.Fprintf(w, "infra %d: applied %d operations, version %d (%s)\n",
		r.InfraID, r.Operations, r.Version, state)
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List infrastructures with their version and generated version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				infras, err := a.store.ListInfras(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-6s %-24s %-8s %-10s %s\n", "ID", "NAME", "VERSION", "GENERATED", "LOCKED")
				for _, infra := range infras {
					fmt.Fprintf(out, "%-6d %-24s %-8d %-10s %t\n",
						infra.ID, infra.Name, infra.Version, generatedLabel(infra), infra.Locked)
				}
				return nil
			})
		},
	}
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var refreshAfter bool
	cmd := &cobra.Command{
		Use:   "import <name> <railjson file|->",
		Short: "Import a railjson document as a new infrastructure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openInput(cmd, args[1])
			if err != nil {
				return err
			}
			defer r.Close()
			doc, err := schema.ReadRailJSON(r)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				infra, err := a.edits.Import(ctx, args[0], doc)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported infra %d (%s)\n", infra.ID, infra.Name)
				if !refreshAfter {
					return nil
				}
				if _, err := a.refresh.Refresh(ctx, infra.ID, false); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "infra %d refreshed\n", infra.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refreshAfter, "refresh", false, "generate the layers right after the import")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <infra id>",
		Short: "Export an infrastructure as a railjson document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInfraID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				doc, err := a.edits.Export(ctx, id)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newEditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <infra id> <operations file|->",
		Short: "Apply a JSON array of operations as one edit batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInfraID(args[0])
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			ops, err := schema.DecodeOperations(data)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.edits.Apply(ctx, id, ops)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh [infra id...]",
		Short: "Regenerate the layers of stale infrastructures (all when no id is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseInfraID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if len(ids) == 0 {
					outcomes, err := a.refresh.RefreshAll(ctx, force)
					if err != nil {
						return err
					}
					var failed int
					for _, id := range slices.Sorted(maps.Keys(outcomes)) {
						o := outcomes[id]
						switch {
						case o.Err != nil:
							failed++
							fmt.Fprintf(out, "infra %d: %v\n", id, o.Err)
						case o.Refreshed:
							fmt.Fprintf(out, "infra %d: refreshed\n", id)
						default:
							fmt.Fprintf(out, "infra %d: up to date\n", id)
						}
					}
					if failed > 0 {
						return fmt.Errorf("%d infras failed to refresh", failed)
					}
					return nil
				}
				for _, id := range ids {
					refreshed, err := a.refresh.Refresh(ctx, id, force)
					if err != nil {
						return err
					}
					if refreshed {
						fmt.Fprintf(out, "infra %d: refreshed\n", id)
					} else {
						fmt.Fprintf(out, "infra %d: up to date\n", id)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "regenerate even when the layers are up to date")
	return cmd
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <infra id>",
		Short: "Drop the generated layers of an infrastructure and mark it stale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInfraID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.refresh.Clear(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "infra %d cleared\n", id)
				return nil
			})
		},
	}
}

func newAutofixCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "autofix <infra id> <errors file|->",
		Short: "Propose and apply fixes for a JSON infra error report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInfraID(args[0])
			if err != nil {
				return err
			}
			r, err := openInput(cmd, args[1])
			if err != nil {
				return err
			}
			defer r.Close()
			errs, err := autofix.DecodeErrors(r)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				var (
					proposal *autofix.Proposal
					result   *edit.Result
				)
				if dryRun {
					c, err := a.registry.Get(ctx, id)
					if err != nil {
						return err
					}
					engine := autofix.NewEngine(autofix.WithDependencies(c), autofix.WithLogger(a.logger))
					if proposal, err = engine.FixInfra(ctx, a.store, id, errs); err != nil {
						return err
					}
				} else {
					var err error
					if result, proposal, err = a.edits.ApplyFixes(ctx, id, errs); err != nil {
						return err
					}
				}

				for _, op := range proposal.Operations {
					fmt.Fprintf(out, "%s %s\n", op.OperationType(), op.Ref())
				}
				for _, u := range proposal.Unfixable {
					fmt.Fprintf(out, "unfixable: %s: %s\n", u.Err, u.Reason)
				}
				if result != nil {
					printResult(out, result)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the proposed operations without applying them")
	return cmd
}

func newRefsCmd(opts *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "refs <infra id> <track section id>",
		Short: "List the objects referencing a track section",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInfraID(args[0])
			if err != nil {
				return err
			}
			var objType schema.ObjectType
			if kind != "" {
				if objType, err = schema.ParseObjectType(kind); err != nil {
					return err
				}
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.registry.Get(ctx, id)
				if err != nil {
					return err
				}
				var refs []schema.ObjectRef
				if objType == "" {
					refs = c.TrackDependents(args[1])
				} else {
					refs = c.TrackRefs(args[1], objType)
				}
				for _, ref := range refs {
					fmt.Fprintln(cmd.OutOrStdout(), ref)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", "", "only list objects of this type (e.g. Signal)")
	return cmd
}

func newCloneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clone <infra id> [name]",
		Short: "Copy an infrastructure into a new one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInfraID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				var name string
				if len(args) == 2 {
					name = args[1]
				}
				infra, err := a.edits.Clone(ctx, id, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cloned infra %d into %d (%s)\n", id, infra.ID, infra.Name)
				return nil
			})
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <infra id>",
		Short: "Delete an infrastructure with its objects and layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInfraID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.edits.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "infra %d deleted\n", id)
				return nil
			})
		},
	}
}

func newLockCmd(opts *rootOptions, locked bool) *cobra.Command {
	use, short := "unlock", "Allow edits on an infrastructure again"
	if locked {
		use, short = "lock", "Reject edits on an infrastructure"
	}
	return &cobra.Command{
		Use:   use + " <infra id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInfraID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.edits.SetLocked(ctx, id, locked); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "infra %d %sed\n", id, use)
				return nil
			})
		},
	}
}
