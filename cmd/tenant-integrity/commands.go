package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"wisefido-tenant-integrity/internal/report"
	"wisefido-tenant-integrity/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errIncomplete 报告中存在失败的步骤（报告照常输出）
var errIncomplete = errors.New("completed with failed steps")

type cli struct {
	build     appBuilder
	loadGraph graphLoader
	out       io.Writer

	subdomain string
	entities  []string
	confirm   string
	xlsxPath  string
}

func newRootCmd(build appBuilder, loadGraph graphLoader, out io.Writer) *cobra.Command {
	c := &cli{build: build, loadGraph: loadGraph, out: out}

	root := &cobra.Command{
		Use:           "tenant-integrity",
		Short:         "Tenant-scoped data integrity maintenance",
		Long:          "Claims null-scoped records for a tenant, deletes a tenant's record graph in dependency order and seeds derived categories.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.xlsxPath, "xlsx", "", "also write the report to this .xlsx file")

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the cascade deletion order without connecting to any store",
		Args:  cobra.NoArgs,
		RunE:  c.runPlan,
	}

	probeCmd := &cobra.Command{
		Use:   "probe <entity> <attribute>",
		Short: "Check whether an entity type can be filtered by an attribute",
		Args:  cobra.ExactArgs(2),
		RunE:  c.runProbe,
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Claim records with a null tenant reference for the tenant",
		Args:  cobra.NoArgs,
		RunE:  c.runReconcile,
	}
	reconcileCmd.Flags().StringSliceVar(&c.entities, "entity", nil, "entity types to reconcile (default: every tenant-scoped type)")

	deleteCmd := &cobra.Command{
		Use:   "delete-tenant",
		Short: "Delete every record of the tenant, children first",
		Args:  cobra.NoArgs,
		RunE:  c.runDeleteTenant,
	}
	deleteCmd.Flags().StringVar(&c.confirm, "confirm", "", "repeat the tenant subdomain to confirm deletion")

	seedCmd := &cobra.Command{
		Use:   "seed-categories",
		Short: "Create missing categories derived from the tenant's services",
		Args:  cobra.NoArgs,
		RunE:  c.runSeed,
	}

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Count null-scoped and tenant-owned rows per entity type (read-only)",
		Args:  cobra.NoArgs,
		RunE:  c.runAudit,
	}

	for _, cmd := range []*cobra.Command{reconcileCmd, deleteCmd, seedCmd, auditCmd} {
		cmd.Flags().StringVar(&c.subdomain, "tenant", "", "tenant subdomain")
		_ = cmd.MarkFlagRequired("tenant")
	}
	_ = deleteCmd.MarkFlagRequired("confirm")

	root.AddCommand(planCmd, probeCmd, reconcileCmd, deleteCmd, seedCmd, auditCmd)
	return root
}

func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := c.build(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

// runPlan 只读依赖图，不建立数据库/Redis/MQTT 连接，也不发布到 sink
func (c *cli) runPlan(_ *cobra.Command, _ []string) error {
	g, err := c.loadGraph()
	if err != nil {
		return err
	}
	return c.writeJSON(report.NewEnvelope(report.KindPlan, "", "", service.PlanDeletion(g)))
}

func (c *cli) runProbe(cmd *cobra.Command, args []string) error {
	return c.withApp(cmd, func(ctx context.Context, a *app) error {
		capability, err := a.maint.Probe(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return c.emit(ctx, a, report.NewEnvelope(report.KindProbe, "", "", capability), nil)
	})
}

func (c *cli) runReconcile(cmd *cobra.Command, _ []string) error {
	return c.withApp(cmd, func(ctx context.Context, a *app) error {
		rep, err := a.maint.Reconcile(ctx, c.subdomain, c.entities)
		if err != nil {
			return err
		}
		table := report.ReconcileTable(rep)
		if err := c.emit(ctx, a, report.NewEnvelope(report.KindReconcile, rep.TenantID, c.subdomain, rep), &table); err != nil {
			return err
		}
		if rep.Failed() {
			return errIncomplete
		}
		return nil
	})
}

func (c *cli) runDeleteTenant(cmd *cobra.Command, _ []string) error {
	if !strings.EqualFold(strings.TrimSpace(c.confirm), strings.TrimSpace(c.subdomain)) {
		return fmt.Errorf("--confirm %q does not match --tenant %q", c.confirm, c.subdomain)
	}
	return c.withApp(cmd, func(ctx context.Context, a *app) error {
		rep, err := a.maint.DeleteTenant(ctx, c.subdomain)
		if err != nil {
			return err
		}
		table := report.DeletionTable(rep)
		if err := c.emit(ctx, a, report.NewEnvelope(report.KindDeletion, rep.TenantID, c.subdomain, rep), &table); err != nil {
			return err
		}
		if !rep.Complete() {
			return errIncomplete
		}
		return nil
	})
}

func (c *cli) runSeed(cmd *cobra.Command, _ []string) error {
	return c.withApp(cmd, func(ctx context.Context, a *app) error {
		rep, err := a.maint.SeedCategories(ctx, c.subdomain)
		if err != nil {
			return err
		}
		table := report.SeedTable(rep)
		if err := c.emit(ctx, a, report.NewEnvelope(report.KindSeed, rep.TenantID, c.subdomain, rep), &table); err != nil {
			return err
		}
		if len(rep.Errors) > 0 {
			return errIncomplete
		}
		return nil
	})
}

func (c *cli) runAudit(cmd *cobra.Command, _ []string) error {
	return c.withApp(cmd, func(ctx context.Context, a *app) error {
		rep, err := a.maint.Audit(ctx, c.subdomain)
		if err != nil {
			return err
		}
		table := report.AuditTable(rep)
		return c.emit(ctx, a, report.NewEnvelope(report.KindAudit, rep.TenantID, c.subdomain, rep), &table)
	})
}

// emit 输出 JSON 到 stdout，发布到 sink，按需导出 xlsx
func (c *cli) emit(ctx context.Context, a *app, env report.Envelope, table *report.Table) error {
	if err := c.writeJSON(env); err != nil {
		return err
	}

	// 发布失败不影响已完成的操作
	if err := a.sink.Publish(ctx, env); err != nil {
		a.logger.Error("Failed to publish report", zap.String("kind", env.Kind), zap.Error(err))
	}

	if c.xlsxPath != "" && table != nil {
		if err := report.SaveXLSX(c.xlsxPath, *table); err != nil {
			return err
		}
		a.logger.Info("Report exported", zap.String("path", c.xlsxPath))
	}
	return nil
}

func (c *cli) writeJSON(env report.Envelope) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
