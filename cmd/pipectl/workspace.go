package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"repost-pipeline/internal/models"
)

var (
	wsApproval      bool
	wsPickTopN      int
	wsMaxCandidates int
	wsIntervalDays  int
	sourceDisabled  bool
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a workspace with its pipeline config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wid, err := a.Store.CreateWorkspace(ctx, args[0])
		if err != nil {
			return err
		}
		cfg := models.DefaultWorkspaceConfig(wid)
		cfg.ApprovalRequired = wsApproval
		if wsPickTopN > 0 {
			cfg.PickTopN = wsPickTopN
		}
		if wsMaxCandidates > 0 {
			cfg.MaxCandidates = wsMaxCandidates
		}
		if wsIntervalDays > 0 {
			cfg.IntervalDays = wsIntervalDays
		}
		if err := a.Store.SaveWorkspaceConfig(ctx, cfg); err != nil {
			return err
		}
		printOut(cfg, fmt.Sprintf("workspace %d created (approval_required=%t pick_top_n=%d)", wid, cfg.ApprovalRequired, cfg.PickTopN))
		return nil
	},
}

var workspaceStatsCmd = &cobra.Command{
	Use:   "stats <workspace-id>",
	Short: "Show candidate and publish counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wid, err := parseID("workspace id", args[0])
		if err != nil {
			return err
		}
		st, err := a.Store.WorkspaceStats(cmd.Context(), wid)
		if err != nil {
			return err
		}
		printOut(st, fmt.Sprintf("candidates=%d published=%d pending_approval=%d", st.TotalCandidates, st.TotalPublished, st.PendingApproval))
		return nil
	},
}

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage source pages",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <workspace-id> <instagram|facebook> <handle>",
	Short: "Add a source page to collect from",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		wid, err := parseID("workspace id", args[0])
		if err != nil {
			return err
		}
		platform := models.Platform(args[1])
		if !platform.Valid() {
			return fmt.Errorf("unknown platform %q", args[1])
		}
		sp, err := a.Store.AddSourcePage(cmd.Context(), models.SourcePage{
			WorkspaceID: wid,
			Platform:    platform,
			Handle:      args[2],
			Enabled:     !sourceDisabled,
		})
		if err != nil {
			return err
		}
		printOut(sp, fmt.Sprintf("source %d added: %s/%s", sp.ID, sp.Platform, sp.Handle))
		return nil
	},
}

func init() {
	workspaceCreateCmd.Flags().BoolVar(&wsApproval, "approval-required", true, "Hold generated posts for manual approval")
	workspaceCreateCmd.Flags().IntVar(&wsPickTopN, "pick-top-n", 0, "Candidates to generate per run")
	workspaceCreateCmd.Flags().IntVar(&wsMaxCandidates, "max-candidates", 0, "Posts collected per source")
	workspaceCreateCmd.Flags().IntVar(&wsIntervalDays, "interval-days", 0, "Days between scheduled runs")
	workspaceCmd.AddCommand(workspaceCreateCmd, workspaceStatsCmd)

	sourceAddCmd.Flags().BoolVar(&sourceDisabled, "disabled", false, "Add the source disabled")
	sourceCmd.AddCommand(sourceAddCmd)

	rootCmd.AddCommand(workspaceCmd, sourceCmd)
}
