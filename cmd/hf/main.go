package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"homefront/internal/app"
	"homefront/internal/config"
	"homefront/internal/db"
	"homefront/internal/domain"
	"homefront/internal/engine"
	"homefront/internal/migrate"
	"homefront/internal/repo"
	"homefront/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hf",
	Short: "Homefront CLI",
	Long: `Homefront turns household chores into missions with points, ranks and rewards.
Core concepts (kid-friendly):
- Family: your household. One commander (a parent) runs the show.
- Agents: everyone in the family. Kids are agents, parents can be commanders or lieutenants.
- Missions: chores with a difficulty (easy/medium/hard) worth points. They flow pending -> in_progress -> awaiting_verification -> verified; a commander can close one at any time.
- Verification: a commander or lieutenant checks the work before points land. No self-grading.
- Points and ranks: verified missions pay out points; your balance decides your rank, RECRUIT up to LEGENDARY AGENT.
- The vault: real gift cards stocked by the commander. Spend points to claim one; the code is revealed only to whoever redeems it first.
- Family rewards: bigger prizes (movie night, sleepover) that need a commander's approval before points are spent.
- Streaks: consecutive days with at least one verified mission. Don't break the chain.
- Event log: diary of everything that happened, view with 'hf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HOMEFRONT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "", "acting agent identifier")
	rootCmd.PersistentFlags().String("family", "", "family id (overrides the single-family default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
	_ = viper.BindPFlag("family", rootCmd.PersistentFlags().Lookup("family"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(familyCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(vaultCmd())
	rootCmd.AddCommand(rewardCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var familyName, commanderName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a family and its first commander",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(""))
			f, commander, err := e.InitFamily(cmd.Context(), familyName, commanderName)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"family": f, "commander": commander})
			}
			fmt.Printf("Family %q created (id %s)\n", f.Name, f.ID)
			fmt.Printf("Commander %q enlisted (id %s)\n", commander.Name, commander.ID)
			fmt.Printf("Use --agent-id %s (or HOMEFRONT_AGENT_ID) for commander actions.\n", commander.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&familyName, "family-name", "", "family name")
	cmd.Flags().StringVar(&commanderName, "commander", "", "commander name")
	_ = cmd.MarkFlagRequired("family-name")
	_ = cmd.MarkFlagRequired("commander")
	return cmd
}

func familyCmd() *cobra.Command {
	fam := &cobra.Command{Use: "family", Short: "Inspect families"}
	fam.AddCommand(familyListCmd())
	fam.AddCommand(familyShowCmd())
	return fam
}

func familyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List families",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFamilies(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func familyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active family",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.Repo.GetFamily(ctx, e.Config.Family.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are the family members. Commanders enlist them, assign missions and verify the work; plain agents earn points and climb the rank ladder.",
	}
	agent.AddCommand(agentEnlistCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentRankCmd())
	agent.AddCommand(agentStreakCmd())
	return agent
}

func agentEnlistCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "enlist",
		Short: "Enlist a family member",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireAgent()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.EnlistAgent(ctx, e.Config.Family.ID, name, domain.Role(role), actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&role, "role", "agent", "role (commander, lieutenant, agent)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx, e.Config.Family.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Points", "Rank"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.Points, a.Rank})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentRankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank <id>",
		Short: "Show an agent's rank and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				ladder := e.Config.Ladder()
				tier := ladder.For(a.Points)
				out := map[string]any{
					"agent_id":         a.ID,
					"points":           a.Points,
					"rank":             tier.Name,
					"progress_percent": ladder.Progress(a.Points),
				}
				if next, ok := ladder.Next(a.Points); ok {
					out["next_rank"] = next.Name
					out["points_to_next"] = ladder.PointsToNext(a.Points)
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s: %s (%d points, %d%% to next rank)\n", a.Name, tier.Name, a.Points, ladder.Progress(a.Points))
				if next, ok := ladder.Next(a.Points); ok {
					fmt.Printf("Next: %s in %d points\n", next.Name, ladder.PointsToNext(a.Points))
				} else {
					fmt.Println("Top of the ladder.")
				}
				return nil
			})
		},
	}
	return cmd
}

func agentStreakCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streak <id>",
		Short: "Show an agent's completion streak",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.CalculateStreak(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent_id": args[0], "streak": n})
				}
				fmt.Printf("Streak: %d day(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions are the chores. They flow pending -> in_progress -> awaiting_verification -> verified; a commander can close one at any point before that. Recurring missions respawn on verification with the next due date.",
	}
	mission.AddCommand(missionCreateCmd())
	mission.AddCommand(missionListCmd())
	mission.AddCommand(missionGetCmd())
	mission.AddCommand(missionTransitionCmd("accept", "Claim a pending mission", func(e engine.Engine) func(context.Context, string, string) (domain.Mission, error) {
		return e.AcceptMission
	}))
	mission.AddCommand(missionTransitionCmd("submit", "Submit a mission for verification", func(e engine.Engine) func(context.Context, string, string) (domain.Mission, error) {
		return e.SubmitForVerification
	}))
	mission.AddCommand(missionVerifyCmd())
	mission.AddCommand(missionTransitionCmd("reject", "Send a submitted mission back for rework", func(e engine.Engine) func(context.Context, string, string) (domain.Mission, error) {
		return e.RejectMission
	}))
	mission.AddCommand(missionTransitionCmd("close", "Close a mission without points", func(e engine.Engine) func(context.Context, string, string) (domain.Mission, error) {
		return e.CloseMission
	}))
	return mission
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	var pattern string
	var fieldBonus int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireAgent()
			if err != nil {
				return err
			}
			opts.ActorID = actorID
			opts.Pattern = domain.RecurrencePattern(pattern)
			if cmd.Flags().Changed("field-bonus") {
				opts.FieldBonus = &fieldBonus
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.FamilyID == "" {
					opts.FamilyID = e.Config.Family.ID
				}
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category (defaults to other)")
	cmd.Flags().StringVar((*string)(&opts.Difficulty), "difficulty", "medium", "difficulty (easy, medium, hard)")
	cmd.Flags().StringVar(&opts.AssignedTo, "assign", "", "assignee agent id (empty means anyone can claim)")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (RFC3339)")
	cmd.Flags().BoolVar(&opts.Recurring, "recurring", false, "respawn on verification")
	cmd.Flags().StringVar(&pattern, "pattern", "", "recurrence pattern (daily, weekly_monday..weekly_sunday, weekly_weekday, weekly_weekend)")
	cmd.Flags().IntVar(&fieldBonus, "field-bonus", 0, "extra points on top of the difficulty value")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.FamilyID == "" {
					f.FamilyID = e.Config.Family.ID
				}
				missions, err := e.Repo.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				now := e.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Difficulty", "Status", "Assignee", "Due", "Points"})
				for _, m := range missions {
					assignee := ""
					if m.AssignedTo != nil {
						assignee = *m.AssignedTo
					}
					due := ""
					if m.DueDate != nil {
						due = *m.DueDate
						if m.IsOverdue(now) {
							due += " (overdue)"
						}
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.Category, m.Difficulty, m.Status, assignee, due, m.RankPoints})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assignee", "", "assignee filter (includes unassigned missions)")
	cmd.Flags().BoolVar(&f.IncludeClosed, "include-closed", false, "include closed missions")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func missionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionTransitionCmd(use, short string, pick func(engine.Engine) func(context.Context, string, string) (domain.Mission, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := requireAgent()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := pick(e)(ctx, args[0], agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Verify a submitted mission and credit points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approverID, err := requireAgent()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, successor, err := e.VerifyMission(ctx, args[0], approverID)
				if err != nil {
					return err
				}
				if successor != nil {
					return printJSONOrTable(map[string]any{"mission": m, "successor": successor})
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func vaultCmd() *cobra.Command {
	vault := &cobra.Command{
		Use:   "vault",
		Short: "Manage the gift card vault",
		Long:  "The vault holds real gift cards. The commander stocks them; any agent with enough points can redeem one. First redeem wins and reveals the code.",
	}
	vault.AddCommand(vaultStockCmd())
	vault.AddCommand(vaultListCmd())
	vault.AddCommand(vaultRedeemCmd())
	vault.AddCommand(vaultExpireCmd())
	return vault
}

func vaultStockCmd() *cobra.Command {
	var opts engine.VaultCardOptions
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Stock a gift card",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireAgent()
			if err != nil {
				return err
			}
			opts.ActorID = actorID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.FamilyID == "" {
					opts.FamilyID = e.Config.Family.ID
				}
				c, err := e.AddVaultCard(ctx, opts)
				if err != nil {
					return err
				}
				c.GiftCode = ""
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.BrandName, "brand", "", "brand name")
	cmd.Flags().IntVar(&opts.Denomination, "denomination", 0, "face value")
	cmd.Flags().StringVar(&opts.GiftCode, "code", "", "gift code (revealed only on redemption)")
	cmd.Flags().IntVar(&opts.PointsCost, "cost", 0, "points cost")
	_ = cmd.MarkFlagRequired("brand")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("cost")
	return cmd
}

func vaultListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List vault cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListVaultCards(ctx, e.Config.Family.ID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					for i := range items {
						items[i].GiftCode = ""
					}
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Brand", "Denomination", "Cost", "Status", "Redeemed By"})
				for _, c := range items {
					redeemedBy := ""
					if c.RedeemedBy != nil {
						redeemedBy = *c.RedeemedBy
					}
					tw.AppendRow(table.Row{c.ID, c.BrandName, c.Denomination, c.PointsCost, c.Status, redeemedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (available, redeemed, expired)")
	return cmd
}

func vaultRedeemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redeem <card-id>",
		Short: "Redeem a vault card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := requireAgent()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RedeemVaultCard(ctx, args[0], agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Redeemed %s %d for %d points.\n", c.BrandName, c.Denomination, c.PointsCost)
				fmt.Printf("Gift code: %s\n", c.GiftCode)
				return nil
			})
		},
	}
	return cmd
}

func vaultExpireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire <card-id>",
		Short: "Expire an available vault card (commander only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := requireAgent()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ExpireVaultCard(ctx, args[0], agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Expired %s %d. It can no longer be redeemed.\n", c.BrandName, c.Denomination)
				return nil
			})
		},
	}
	return cmd
}

func rewardCmd() *cobra.Command {
	reward := &cobra.Command{
		Use:   "reward",
		Short: "Manage family rewards",
		Long:  "Family rewards are repeatable prizes that need a commander's sign-off. An agent requests one, the commander approves or denies, and points are spent only on approval.",
	}
	reward.AddCommand(rewardCreateCmd())
	reward.AddCommand(rewardListCmd())
	reward.AddCommand(rewardSetActiveCmd("retire", "Retire a reward so it can no longer be requested", false))
	reward.AddCommand(rewardSetActiveCmd("reinstate", "Bring a retired reward back", true))
	reward.AddCommand(rewardRequestCmd())
	return reward
}

func rewardCreateCmd() *cobra.Command {
	var opts engine.FamilyRewardOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Define a family reward",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireAgent()
			if err != nil {
				return err
			}
			opts.ActorID = actorID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.FamilyID == "" {
					opts.FamilyID = e.Config.Family.ID
				}
				fr, err := e.CreateFamilyReward(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(fr)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.PointsCost, "cost", 0, "points cost")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("cost")
	return cmd
}

func rewardListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List family rewards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListFamilyRewards(ctx, e.Config.Family.ID, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Cost", "Active"})
				for _, fr := range items {
					tw.AppendRow(table.Row{fr.ID, fr.Title, fr.PointsCost, fr.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "hide retired rewards")
	return cmd
}

func rewardSetActiveCmd(use, short string, active bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <reward-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireAgent()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fr, err := e.SetFamilyRewardActive(ctx, args[0], active, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(fr)
			})
		},
	}
	return cmd
}

func rewardRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request <reward-id>",
		Short: "Request a reward redemption",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := requireAgent()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.RequestRedemption(ctx, args[0], agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Decide redemption requests",
	}
	req.AddCommand(requestListCmd())
	req.AddCommand(requestDecideCmd("approve", "Approve a pending request and spend the points", func(e engine.Engine) func(context.Context, string, string) (domain.RedemptionRequest, error) {
		return e.ApproveRedemption
	}))
	req.AddCommand(requestDecideCmd("deny", "Deny a pending request", func(e engine.Engine) func(context.Context, string, string) (domain.RedemptionRequest, error) {
		return e.DenyRedemption
	}))
	return req
}

func requestListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List redemption requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRequests(ctx, e.Config.Family.ID, state)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (pending, approved, denied)")
	return cmd
}

func requestDecideCmd(use, short string, pick func(engine.Engine) func(context.Context, string, string) (domain.RedemptionRequest, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approverID, err := requireAgent()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := pick(e)(ctx, args[0], approverID)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect family config",
		Long:  "Config is the rulebook (stored in DB): rank ladder, difficulty point values and the category catalog. Import from homefront.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configGenerateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import family config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				familyID := cfg.Family.ID
				if familyID == "" {
					familyID = e.Config.Family.ID
				}
				if err := e.Repo.UpsertFamilyConfig(ctx, familyID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configGenerateCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a default config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := config.GenerateDefault(viper.GetString("family"))
			if out == "" {
				fmt.Print(content)
				return nil
			}
			if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (stdout if omitted)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: missions, points, redemptions and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Family.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api-key",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apiKeyIssueCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyIssueCmd() *cobra.Command {
	var agentID, name string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key for an agent (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetAgent(ctx, agentID); err != nil {
					return err
				}
				secret := uuid.New().String() + "-" + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					AgentID:   agentID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "agent_id": key.AgentID, "key": secret})
				}
				fmt.Printf("API key %s issued for agent %s\n", key.ID, agentID)
				fmt.Printf("Secret (store it now, it is not shown again): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, agentID)
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = ""
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveFamilyAndConfig(cmd.Context(), viper.GetString("family"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("HOMEFRONT_JWT_SECRET"),
				AllowLegacyAgentHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("HOMEFRONT_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Homefront API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-agent-header", false, "accept the unauthenticated X-Agent-Id header (local use only)")
	return cmd
}

// --- helpers ---

func requireAgent() (string, error) {
	id := strings.TrimSpace(viper.GetString("agent-id"))
	if id == "" {
		return "", fmt.Errorf("--agent-id required (or set HOMEFRONT_AGENT_ID)")
	}
	return id, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveFamilyAndConfig(ctx, viper.GetString("family"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
