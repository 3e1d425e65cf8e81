package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hupe1980/codeswarm"
	"github.com/hupe1980/codeswarm/bus"
	"github.com/hupe1980/codeswarm/config"
	"github.com/hupe1980/codeswarm/store/sqlite"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := newRootCommand()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "codeswarm",
		Usage: "Multi-agent collaborative coding swarm",
		Commands: []*cli.Command{
			newRunCommand(),
			newMissionsCommand(),
		},
	}
}

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a mission with the default agent team",
		ArgsUsage: "<goal>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
			},
			&cli.StringFlag{
				Name:    "workspace",
				Aliases: []string{"w"},
				Usage:   "Workspace directory the agents operate on",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite database path for mission history and lessons",
			},
			&cli.FloatFlag{
				Name:    "budget",
				Aliases: []string{"b"},
				Usage:   "USD budget ceiling for the mission",
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Auto-approve all approval requests (no prompts)",
			},
		},
		Action: runMission,
	}
}

func runMission(ctx context.Context, cmd *cli.Command) error {
	goal := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if goal == "" {
		return fmt.Errorf("usage: codeswarm run <goal>")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	swarm, err := codeswarm.New(cfg)
	if err != nil {
		return err
	}
	defer swarm.Stop()

	if err := swarm.AddDefaultAgents(); err != nil {
		return err
	}

	done := make(chan struct{})
	autoApprove := cmd.Bool("yes")
	cancelObs := swarm.Bus().RegisterObserver(func(m bus.Message) {
		printMessage(m)
		switch m.Type {
		case bus.TypeApprovalRequest:
			go resolveApproval(swarm, m, autoApprove)
		case bus.TypeMissionComplete:
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	defer cancelObs()

	missionID, err := swarm.StartMission(ctx, goal)
	if err != nil {
		return err
	}
	fmt.Printf("mission %s started in %s\n", missionID, cfg.WorkspaceRoot)

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Println("\ninterrupted, stopping agents")
	}

	usage := swarm.Usage()
	summary := swarm.TaskSummary()
	fmt.Printf("\ntasks: %d done / %d total   tokens: %d   cost: $%.4f\n",
		summary.Done, summary.Total, usage.TotalTokens(), usage.CostUSD)
	return nil
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	var cfg config.Config
	var err error
	if path := cmd.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg = config.FromEnv()
	}
	if ws := cmd.String("workspace"); ws != "" {
		cfg.WorkspaceRoot = ws
	}
	if db := cmd.String("db"); db != "" {
		cfg.DatabasePath = db
	}
	if budget := cmd.Float("budget"); budget > 0 {
		cfg.BudgetUSD = budget
	}
	return cfg, nil
}

func resolveApproval(swarm *codeswarm.Swarm, m bus.Message, autoApprove bool) {
	approvalID, _ := m.Data["approval_id"].(string)
	if approvalID == "" {
		return
	}
	approved := autoApprove
	if !autoApprove {
		fmt.Printf("\n[APPROVAL] %s\napprove? [y/N]: ", m.Content)
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		approved = strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
	}
	if err := swarm.ResolveApproval(m.Sender, approvalID, approved); err != nil {
		fmt.Fprintln(os.Stderr, "resolve approval:", err)
	}
}

func printMessage(m bus.Message) {
	switch m.Type {
	case bus.TypeThought:
		fmt.Printf("  %s thinking: %s\n", m.Sender, firstLine(m.Content))
	case bus.TypeTerminalOutput:
		fmt.Printf("  %s %s\n", m.Sender, firstLine(m.Content))
	default:
		fmt.Printf("[%s] %s: %s\n", m.Type, m.Sender, firstLine(m.Content))
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx] + " ..."
	}
	return s
}

func newMissionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "missions",
		Usage: "List recent missions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite database path",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of missions to show",
				Value: 20,
			},
		},
		Action: listMissions,
	}
}

func listMissions(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("db")
	if path == "" {
		path = config.FromEnv().DatabasePath
	}
	if path == "" {
		return fmt.Errorf("no database path, pass --db or set CODESWARM_DB_PATH")
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	missions, err := store.RecentMissions(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	if len(missions) == 0 {
		fmt.Println("no missions recorded")
		return nil
	}
	for _, m := range missions {
		fmt.Printf("%s  %-18s %-10s $%.4f  %s\n",
			m.CreatedAt.Format(time.DateTime), m.ID, m.Status, m.CostUSD, firstLine(m.Goal))
	}
	return nil
}
