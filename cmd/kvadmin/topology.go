package main

import (
	"github.com/spf13/cobra"

	"github.com/global-data-controller/kvadmin/internal/client"
	"github.com/global-data-controller/kvadmin/internal/models"
)

type replicaStatus struct {
	Endpoint string              `json:"endpoint"`
	Status   *models.AdminStatus `json:"status,omitempty"`
	Error    string              `json:"error,omitempty"`
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the admin status reported by every replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			endpoints := a.cfg.Endpoints()
			out := make([]replicaStatus, 0, len(endpoints))
			for i, api := range a.connector().Replicas() {
				rs := replicaStatus{Endpoint: endpoints[i]}
				if st, err := api.AdminStatus(ctx); err != nil {
					rs.Error = err.Error()
				} else {
					rs.Status = st
				}
				out = append(out, rs)
			}
			return printJSON(cmd, out)
		},
	}
}

func (a *app) topologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect the deployed topology",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the deployed topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var topo *models.Topology
			err := a.master(cmd.Context(), func(api client.API) error {
				var err error
				topo, err = api.Topology(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, topo)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "List the violations of the deployed topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var vs []models.Violation
			err := a.master(cmd.Context(), func(api client.API) error {
				var err error
				vs, err = api.VerifyTopology(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			if vs == nil {
				vs = []models.Violation{}
			}
			return printJSON(cmd, vs)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "parameters",
		Short: "Print the cluster parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var params *models.Parameters
			err := a.master(cmd.Context(), func(api client.API) error {
				var err error
				params, err = api.Parameters(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, params)
		},
	})
	return cmd
}

func (a *app) candidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "candidate",
		Aliases: []string{"candidates"},
		Short:   "Edit candidate topologies",
	}

	var internal bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List candidate topologies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cs []*models.Candidate
			err := a.master(cmd.Context(), func(api client.API) error {
				var err error
				cs, err = api.ListCandidates(cmd.Context(), internal)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, cs)
		},
	}
	list.Flags().BoolVar(&internal, "internal", false, "include candidates created by plans")

	show := &cobra.Command{
		Use:   "show NAME",
		Short: "Print a candidate topology",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c *models.Candidate
			err := a.master(cmd.Context(), func(api client.API) error {
				var err error
				c, err = api.Candidate(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}

	copyCmd := &cobra.Command{
		Use:   "copy NAME",
		Short: "Copy the deployed topology into a new candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.master(cmd.Context(), func(api client.API) error {
				return api.CopyCurrentTopology(cmd.Context(), args[0])
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a candidate topology",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.master(cmd.Context(), func(api client.API) error {
				return api.DeleteCandidate(cmd.Context(), args[0])
			})
		},
	}

	var zone int
	var zoneType string
	setType := &cobra.Command{
		Use:   "zone-type NAME",
		Short: "Change the type of a zone in a candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.master(cmd.Context(), func(api client.API) error {
				return api.ChangeZoneType(cmd.Context(), args[0], models.ZoneID(zone), models.ZoneType(zoneType))
			})
		},
	}
	setType.Flags().IntVar(&zone, "zone", 0, "zone id")
	setType.Flags().StringVar(&zoneType, "type", string(models.ZoneTypePrimary), "PRIMARY or SECONDARY")
	_ = setType.MarkFlagRequired("zone")

	var allow bool
	arbiters := &cobra.Command{
		Use:   "arbiters NAME",
		Short: "Allow or forbid arbiters in a zone of a candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.master(cmd.Context(), func(api client.API) error {
				return api.ChangeZoneArbiters(cmd.Context(), args[0], models.ZoneID(zone), allow)
			})
		},
	}
	arbiters.Flags().IntVar(&zone, "zone", 0, "zone id")
	arbiters.Flags().BoolVar(&allow, "allow", true, "allow arbiters")
	_ = arbiters.MarkFlagRequired("zone")

	var pool string
	rebalance := &cobra.Command{
		Use:   "rebalance NAME",
		Short: "Rebalance the replicas of a candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var vs []models.Violation
			err := a.master(cmd.Context(), func(api client.API) error {
				var err error
				vs, err = api.RebalanceTopology(cmd.Context(), args[0], pool)
				return err
			})
			if err != nil {
				return err
			}
			if vs == nil {
				vs = []models.Violation{}
			}
			return printJSON(cmd, vs)
		},
	}
	rebalance.Flags().StringVar(&pool, "pool", "", "storage node pool")

	cmd.AddCommand(list, show, copyCmd, del, setType, arbiters, rebalance)
	return cmd
}
