package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/global-data-controller/kvadmin/internal/client"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/planexec"
)

type awaitResult struct {
	Plan  models.PlanID    `json:"plan"`
	State models.PlanState `json:"state"`
}

func (a *app) planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plan",
		Aliases: []string{"plans"},
		Short:   "Inspect and control plans",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var plans []*models.Plan
			err := a.master(cmd.Context(), func(api client.API) error {
				var err error
				plans, err = api.ListPlans(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, plans)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Print a plan and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: a.withPlan(func(ctx context.Context, cmd *cobra.Command, api client.API, id models.PlanID) error {
			plan, err := api.Plan(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, plan)
		}),
	})

	cmd.AddCommand(a.planAction("approve", "Approve a NEW plan", client.API.ApprovePlan))
	cmd.AddCommand(a.planAction("cancel", "Cancel a plan that is not running", client.API.CancelPlan))
	cmd.AddCommand(a.planAction("interrupt", "Interrupt a running plan", client.API.InterruptPlan))
	cmd.AddCommand(a.planAction("assert-success", "Fail unless the plan succeeded", client.API.AssertSuccess))

	var force bool
	execute := &cobra.Command{
		Use:   "execute ID",
		Short: "Start or resume an approved or interrupted plan",
		Args:  cobra.ExactArgs(1),
		RunE: a.withPlan(func(ctx context.Context, _ *cobra.Command, api client.API, id models.PlanID) error {
			return api.ExecutePlan(ctx, id, force)
		}),
	}
	execute.Flags().BoolVar(&force, "force", false, "skip verification of the target topology")

	var timeout time.Duration
	await := &cobra.Command{
		Use:   "await ID",
		Short: "Wait for a plan to settle and print its state",
		Args:  cobra.ExactArgs(1),
		RunE: a.withPlan(func(ctx context.Context, cmd *cobra.Command, api client.API, id models.PlanID) error {
			state, err := api.AwaitPlan(ctx, id, timeout)
			if err != nil {
				return err
			}
			return printJSON(cmd, awaitResult{Plan: id, State: state})
		}),
	}
	await.Flags().DurationVar(&timeout, "timeout", time.Minute, "longest wait")

	var strategy string
	var runForce bool
	runCmd := &cobra.Command{
		Use:   "run ID",
		Short: "Drive a plan to completion across master changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePlanID(args[0])
			if err != nil {
				return err
			}
			s, err := planexec.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			out, err := a.operations().Drive(cmd.Context(), id, s, runForce)
			return printOutcome(cmd, out, err)
		},
	}
	runCmd.Flags().StringVar(&strategy, "strategy", planexec.Reexecute.String(), "recovery after interruption: reexecute")
	runCmd.Flags().BoolVar(&runForce, "force", false, "skip verification of the target topology")

	var allowRFReduction, deploy bool
	var deployStrategy string
	deployCmd := &cobra.Command{
		Use:   "deploy NAME CANDIDATE",
		Short: "Create a plan deploying a candidate topology",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := models.DeployOptions{AllowPrimaryRFReduction: allowRFReduction}
			var id models.PlanID
			err := a.master(ctx, func(api client.API) error {
				var err error
				id, err = api.CreateDeployTopologyPlan(ctx, args[0], args[1], opts)
				return err
			})
			if err != nil {
				return err
			}
			if !deploy {
				return printJSON(cmd, map[string]models.PlanID{"plan": id})
			}
			s, err := planexec.ParseStrategy(deployStrategy)
			if err != nil {
				return err
			}
			out, err := a.operations().Drive(ctx, id, s, false)
			return printOutcome(cmd, out, err)
		},
	}
	deployCmd.Flags().BoolVar(&allowRFReduction, "allow-rf-reduction", false, "allow lowering the primary replication factor")
	deployCmd.Flags().BoolVar(&deploy, "run", false, "drive the plan to completion")
	deployCmd.Flags().StringVar(&deployStrategy, "strategy", planexec.Reexecute.String(), "recovery after interruption")

	cmd.AddCommand(execute, await, runCmd, deployCmd)
	return cmd
}

func (a *app) withPlan(fn func(ctx context.Context, cmd *cobra.Command, api client.API, id models.PlanID) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parsePlanID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return a.master(ctx, func(api client.API) error {
			return fn(ctx, cmd, api, id)
		})
	}
}

func (a *app) planAction(use, short string, action func(client.API, context.Context, models.PlanID) error) *cobra.Command {
	return &cobra.Command{
		Use:   fmt.Sprintf("%s ID", use),
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: a.withPlan(func(ctx context.Context, _ *cobra.Command, api client.API, id models.PlanID) error {
			return action(api, ctx, id)
		}),
	}
}
