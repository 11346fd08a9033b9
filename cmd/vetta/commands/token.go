package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/vetta/auth"
	"github.com/teranos/vetta/logger"
	"github.com/teranos/vetta/stats"
)

// TokenCmd issues an API token
var TokenCmd = &cobra.Command{
	Use:   "token <email>",
	Short: "Issue an API token",
	Long: `Print the unexpired API token for an email address, issuing a new one
when none exists. --renew always replaces the current token.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

// StatsCmd shows usage statistics
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage statistics",
	RunE:  runStats,
}

var (
	tokenRenew bool
	statsTop   int
)

func init() {
	TokenCmd.Flags().BoolVar(&tokenRenew, "renew", false, "Replace the existing token")
	StatsCmd.Flags().IntVarP(&statsTop, "top", "n", stats.DefaultTopN, "Number of tags to show")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	store := auth.NewStore(database, cfg.TokenTTL(), logger.Logger)
	token, err := store.Issue(context.Background(), args[0], tokenRenew)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	summary, err := stats.NewStore(database, logger.Logger).Summary(context.Background(), statsTop)
	if err != nil {
		return err
	}

	pterm.Info.Printfln("Images checked: %d", summary.Count)
	if len(summary.TopTags) == 0 {
		return nil
	}
	data := pterm.TableData{{"#", "Tag"}}
	for i, tag := range summary.TopTags {
		data = append(data, []string{fmt.Sprint(i + 1), tag})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
