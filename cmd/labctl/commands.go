package main

import (
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DogezRule/Management-Panel-Cyber/internal/inventory"
	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

var loginCmd = &cobra.Command{
	Use:   "login USERNAME PASSWORD",
	Short: "Log in and print an export line for LABCTL_TOKEN",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp models.LoginResponse
		if err := client().do(cmd.Context(), "POST", "/login", models.LoginRequest{Username: args[0], Password: args[1]}, &resp); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "export LABCTL_TOKEN=%s\n", resp.Token)
		fmt.Fprintf(cmd.ErrOrStderr(), "Logged in as %s (%s)\n", args[0], resp.Role)
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List hypervisor nodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var nodes []models.Node
		if err := client().do(cmd.Context(), "GET", "/api/v1/admin/nodes", nil, &nodes); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tENDPOINT\tACTIVE\tMAX\tPRIORITY")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\n", n.Name, n.Endpoint, n.Active, n.MaxInstances, n.Priority)
		}
		return w.Flush()
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var templates []models.Template
		if err := client().do(cmd.Context(), "GET", "/api/v1/templates", nil, &templates); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMEMORY\tCORES\tACTIVE")
		for _, t := range templates {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\n", t.ID, t.Name, t.Memory, t.Cores, t.Active)
		}
		return w.Flush()
	},
}

var deployFlags = struct {
	strategy string
	owner    string
}{}

var deployCmd = &cobra.Command{
	Use:   "deploy TEMPLATE",
	Short: "Deploy an instance of a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var inst models.Instance
		req := models.DeployRequest{TemplateID: args[0], Strategy: deployFlags.strategy, Owner: deployFlags.owner}
		if err := client().do(cmd.Context(), "POST", "/api/v1/instances", req, &inst); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deployed %s (%s) on node %s as VM %d, status %s\n", inst.Name, inst.ID, inst.NodeName, inst.RemoteID, inst.Status)
		return nil
	},
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []models.InstanceResponse
		if err := client().do(cmd.Context(), "GET", "/api/v1/instances", nil, &list); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tOWNER\tNODE\tVMID\tSTATUS")
		for _, inst := range list {
			node := inst.NodeName
			if inst.NodeInactive {
				node += " (inactive)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", inst.ID, inst.Name, inst.Owner, node, inst.RemoteID, inst.Status)
		}
		return w.Flush()
	},
}

func instanceAction(use, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " INSTANCE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/instances/" + url.PathEscape(args[0]) + suffix
			if method == "DELETE" {
				var resp models.GenericSuccessResponse
				if err := client().do(cmd.Context(), method, path, nil, &resp); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			}
			var inst models.Instance
			if err := client().do(cmd.Context(), method, path, nil, &inst); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", inst.Name, inst.Status)
			return nil
		},
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show node utilization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats models.NodeStatistics
		if err := client().do(cmd.Context(), "GET", "/api/v1/stats", nil, &stats); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Instances: %d / %d across %d active node(s)\n", stats.TotalInstances, stats.TotalCapacity, stats.ActiveNodes)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tACTIVE\tINSTANCES\tMAX\tUTILIZATION")
		for _, n := range stats.Nodes {
			fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%.1f%%\n", n.Name, n.Active, n.Instances, n.MaxInstances, n.Utilization)
		}
		return w.Flush()
	},
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Push a YAML inventory of nodes, templates and mappings to the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := inventory.Load(args[0])
		if err != nil {
			return err
		}
		return pushInventory(cmd, client(), inv)
	},
}

func pushInventory(cmd *cobra.Command, c *apiClient, inv *inventory.File) error {
	ctx := cmd.Context()
	for _, n := range inv.Nodes {
		if err := c.do(ctx, "PUT", "/api/v1/admin/nodes", n, nil); err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
	}
	for _, t := range inv.Templates {
		if err := c.do(ctx, "PUT", "/api/v1/admin/templates", t.Template, nil); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
		req := models.TemplateMappingsRequest{Mappings: t.Mappings}
		if err := c.do(ctx, "PUT", "/api/v1/admin/templates/"+url.PathEscape(t.ID)+"/mappings", req, nil); err != nil {
			return fmt.Errorf("mappings for %s: %w", t.ID, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d node(s) and %d template(s)\n", len(inv.Nodes), len(inv.Templates))
	return nil
}

var bulkDeployFlags = struct {
	owners   string
	strategy string
	plan     bool
}{}

var bulkDeployCmd = &cobra.Command{
	Use:   "bulk-deploy TEMPLATE",
	Short: "Deploy a template once for each listed owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var owners []string
		for _, o := range strings.Split(bulkDeployFlags.owners, ",") {
			if o = strings.TrimSpace(o); o != "" {
				owners = append(owners, o)
			}
		}
		if len(owners) == 0 {
			return fmt.Errorf("--owners lists no users")
		}
		req := models.BulkDeployRequest{TemplateID: args[0], Owners: owners, Strategy: bulkDeployFlags.strategy}
		return runBulkDeploy(cmd, client(), req, bulkDeployFlags.plan)
	},
}

func runBulkDeploy(cmd *cobra.Command, c *apiClient, req models.BulkDeployRequest, planOnly bool) error {
	ctx := cmd.Context()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	if planOnly {
		var plan []models.PlannedPlacement
		if err := c.do(ctx, "POST", "/api/v1/bulk/plan", req, &plan); err != nil {
			return err
		}
		fmt.Fprintln(w, "OWNER\tNODE\tSTORAGE\tERROR")
		for _, p := range plan {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Owner, p.Node, p.Storage, p.Error)
		}
		return w.Flush()
	}

	var resp models.BulkDeployResponse
	if err := c.do(ctx, "POST", "/api/v1/bulk/deploy", req, &resp); err != nil {
		return err
	}
	fmt.Fprintln(w, "OWNER\tINSTANCE\tNODE\tSTATUS\tERROR")
	for _, r := range resp.Results {
		var id, node, status string
		if r.Instance != nil {
			id, node, status = r.Instance.ID, r.Instance.NodeName, string(r.Instance.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Owner, id, node, status, r.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d succeeded, %d failed\n", resp.Succeeded, resp.Failed)
	return nil
}

var bulkDeleteCmd = &cobra.Command{
	Use:   "bulk-delete INSTANCE_ID...",
	Short: "Delete several instances",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp models.BulkDeleteResponse
		if err := client().do(cmd.Context(), "POST", "/api/v1/bulk/delete", models.BulkDeleteRequest{InstanceIDs: args}, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range resp.Results {
			if r.Error != "" {
				fmt.Fprintf(out, "%s: %s\n", r.InstanceID, r.Error)
			}
		}
		fmt.Fprintf(out, "%d deleted, %d failed\n", resp.Succeeded, resp.Failed)
		return nil
	},
}

func init() {
	deployCmd.Flags().StringVar(&deployFlags.strategy, "strategy", "", "placement strategy: least_vms, round_robin, priority or random")
	deployCmd.Flags().StringVar(&deployFlags.owner, "owner", "", "deploy on behalf of another user (admin/teacher)")
	bulkDeployCmd.Flags().StringVar(&bulkDeployFlags.owners, "owners", "", "comma-separated usernames, one instance each")
	bulkDeployCmd.Flags().StringVar(&bulkDeployFlags.strategy, "strategy", "", "placement strategy: least_vms, round_robin, priority or random")
	bulkDeployCmd.Flags().BoolVar(&bulkDeployFlags.plan, "plan", false, "only show where each instance would go")

	rootCmd.AddCommand(loginCmd, nodesCmd, templatesCmd, deployCmd, instancesCmd, statsCmd, importCmd,
		bulkDeployCmd, bulkDeleteCmd,
		instanceAction("start", "Start an instance", "POST", "/start"),
		instanceAction("stop", "Stop an instance", "POST", "/stop"),
		instanceAction("refresh", "Refresh an instance's status from its node", "POST", "/refresh"),
		instanceAction("delete", "Delete an instance", "DELETE", ""),
	)
}
