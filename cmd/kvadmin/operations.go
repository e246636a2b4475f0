package main

import (
	"github.com/spf13/cobra"

	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/operations"
	"github.com/global-data-controller/kvadmin/internal/planexec"
)

const strategyUsage = "recovery after interruption: reexecute or cancel-and-retry"

func printOutcome(cmd *cobra.Command, out *planexec.Outcome, err error) error {
	if out != nil {
		if perr := printJSON(cmd, out); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func (a *app) failoverCmd() *cobra.Command {
	var (
		name             string
		primary, offline []int
		force            bool
		strategy         string
	)
	cmd := &cobra.Command{
		Use:   "failover",
		Short: "Promote zones and mark lost zones offline",
		Long: `failover turns the given zones into primary zones and marks unreachable
zones offline. Every offline zone must be unreachable and the promoted zones
must answer. When the admin quorum is lost, run repair-admin-quorum first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := planexec.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			out, err := a.operations().Failover(cmd.Context(), models.FailoverRequest{
				Name:            name,
				NewPrimaryZones: zoneIDs(primary),
				OfflineZones:    zoneIDs(offline),
				Force:           force,
			}, s)
			return printOutcome(cmd, out, err)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&name, "name", "failover", "plan name")
	flags.IntSliceVar(&primary, "primary-zones", nil, "zone ids to promote")
	flags.IntSliceVar(&offline, "offline-zones", nil, "unreachable zone ids to mark offline")
	flags.BoolVar(&force, "force", false, "accept a failover that may lose acknowledged writes")
	flags.StringVar(&strategy, "strategy", planexec.Reexecute.String(), strategyUsage)
	return cmd
}

func (a *app) switchoverCmd() *cobra.Command {
	var (
		req                operations.SwitchoverRequest
		primary, secondary []int
		strategy           string
	)
	cmd := &cobra.Command{
		Use:   "switchover",
		Short: "Change zone types of a healthy store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := planexec.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			req.Primary = zoneIDs(primary)
			req.Secondary = zoneIDs(secondary)
			out, err := a.operations().Switchover(cmd.Context(), req, s)
			return printOutcome(cmd, out, err)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Name, "name", "switchover", "plan and candidate name")
	flags.IntSliceVar(&primary, "primary-zones", nil, "zone ids to make primary")
	flags.IntSliceVar(&secondary, "secondary-zones", nil, "zone ids to make secondary")
	flags.BoolVar(&req.Options.AllowPrimaryRFReduction, "allow-rf-reduction", false, "allow lowering the primary replication factor")
	flags.BoolVar(&req.Force, "force", false, "skip verification of the target topology")
	flags.StringVar(&strategy, "strategy", planexec.Reexecute.String(), strategyUsage)
	return cmd
}

func (a *app) repairCmd() *cobra.Command {
	var name, strategy string
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Bring recovered offline zones back online",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := planexec.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			out, err := a.operations().Repair(cmd.Context(), name, s)
			return printOutcome(cmd, out, err)
		},
	}
	cmd.Flags().StringVar(&name, "name", "repair", "plan name")
	cmd.Flags().StringVar(&strategy, "strategy", planexec.Reexecute.String(), strategyUsage)
	return cmd
}

func (a *app) repairQuorumCmd() *cobra.Command {
	var (
		zones, admins []int
		zoneNames     []string
	)
	cmd := &cobra.Command{
		Use:   "repair-admin-quorum",
		Short: "Reform the admin quorum from reachable admins",
		Long: `repair-admin-quorum makes the given admins, or the primary zone admins of
the given zones, the new electable admin membership. Every named admin must
be reachable and the configured membership must have lost its majority.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			members, err := a.operations().RepairAdminQuorum(cmd.Context(), models.QuorumRepairRequest{
				ZoneIDs:   zoneIDs(zones),
				ZoneNames: zoneNames,
				AdminIDs:  adminIDs(admins),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string][]models.AdminID{"membership": members})
		},
	}
	flags := cmd.Flags()
	flags.IntSliceVar(&zones, "zone-ids", nil, "zone ids whose admins form the quorum")
	flags.StringSliceVar(&zoneNames, "zone-names", nil, "zone names whose admins form the quorum")
	flags.IntSliceVar(&admins, "admin-ids", nil, "admin ids that form the quorum")
	return cmd
}
