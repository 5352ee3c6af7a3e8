package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/psantana5/cf-reminder/pkg/codeforces"
	"github.com/psantana5/cf-reminder/pkg/models"
	"github.com/psantana5/cf-reminder/pkg/reminder"
	"github.com/spf13/cobra"
)

var (
	upcomingLimit int
	upcomingGym   bool
)

// upcomingCmd represents the upcoming command
var upcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "List upcoming Codeforces contests",
	Long:  `Query the Codeforces API and print the contests that have not started yet, soonest first.`,
	RunE:  runUpcoming,
}

func init() {
	rootCmd.AddCommand(upcomingCmd)
	upcomingCmd.Flags().IntVar(&upcomingLimit, "limit", 0, "maximum contests to show (default reminders.upcoming_limit, -1 for all)")
	upcomingCmd.Flags().BoolVar(&upcomingGym, "gym", false, "list gym contests instead of regular rounds")
}

type upcomingContest struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Start    time.Time `json:"start"`
	Duration string    `json:"duration"`
	StartsIn string    `json:"starts_in"`
	URL      string    `json:"url"`
}

func runUpcoming(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cfConfig := codeforces.DefaultConfig()
	cfConfig.BaseURL = cfg.Codeforces.BaseURL
	cfConfig.Timeout = cfg.Codeforces.Timeout
	client := codeforces.NewClient(cfConfig)

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfConfig.Timeout)
	defer cancel()

	all, err := client.Contests(ctx, upcomingGym)
	if err != nil {
		return fmt.Errorf("failed to fetch contests: %w", err)
	}
	contests := models.FilterUpcoming(all)

	limit := upcomingLimit
	if limit == 0 {
		limit = cfg.Reminders.UpcomingLimit
	}
	if limit > 0 && len(contests) > limit {
		contests = contests[:limit]
	}

	now := time.Now()
	result := make([]upcomingContest, 0, len(contests))
	for _, c := range contests {
		result = append(result, upcomingContest{
			ID:       c.ID,
			Name:     c.Name,
			Type:     c.Type,
			Start:    c.StartTime(),
			Duration: reminder.FormatDuration(c.Duration()),
			StartsIn: reminder.FormatDuration(c.StartTime().Sub(now).Truncate(time.Second)),
			URL:      c.URL(),
		})
	}

	if IsJSONOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if len(result) == 0 {
		fmt.Println(reminder.MsgNoUpcoming)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Start (UTC)", "Duration", "Starts In")
	for _, c := range result {
		table.Append(
			strconv.Itoa(c.ID),
			c.Name,
			reminder.FormatTime(c.Start),
			c.Duration,
			c.StartsIn,
		)
	}
	table.Render()
	fmt.Printf("\nTotal contests: %d\n", len(result))

	return nil
}
