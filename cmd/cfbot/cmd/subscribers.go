package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/psantana5/cf-reminder/pkg/logging"
	"github.com/psantana5/cf-reminder/pkg/store"
	"github.com/spf13/cobra"
)

// subscribersCmd represents the subscribers command
var subscribersCmd = &cobra.Command{
	Use:   "subscribers",
	Short: "Manage subscribed chats",
	Long: `Inspect and edit the subscriber store directly. Stop the bot first when
using the JSON store, since the running bot rewrites the whole file.`,
}

var subscribersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscribed chat IDs",
	RunE:  runSubscribersList,
}

var subscribersAddCmd = &cobra.Command{
	Use:   "add <chat-id>",
	Short: "Subscribe a chat",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubscribersAdd,
}

var subscribersRemoveCmd = &cobra.Command{
	Use:     "remove <chat-id>",
	Aliases: []string{"rm"},
	Short:   "Unsubscribe a chat",
	Args:    cobra.ExactArgs(1),
	RunE:    runSubscribersRemove,
}

func init() {
	rootCmd.AddCommand(subscribersCmd)
	subscribersCmd.AddCommand(subscribersListCmd)
	subscribersCmd.AddCommand(subscribersAddCmd)
	subscribersCmd.AddCommand(subscribersRemoveCmd)
}

// openCLIStore opens the configured store with logging kept to warnings
func openCLIStore() (store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	storeConfig := cfg.Store
	storeConfig.Logger = logging.NewLogger(logging.WARN, false)
	st, err := store.NewStore(storeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", storeConfig.Type, err)
	}
	return st, nil
}

func parseChatID(arg string) (int64, error) {
	chatID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat ID %q: must be an integer", arg)
	}
	return chatID, nil
}

func runSubscribersList(cmd *cobra.Command, args []string) error {
	st, err := openCLIStore()
	if err != nil {
		return err
	}
	defer st.Close()

	chatIDs, err := st.ListSubscribers()
	if err != nil {
		return fmt.Errorf("failed to list subscribers: %w", err)
	}

	if IsJSONOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"subscribers": chatIDs,
			"count":       len(chatIDs),
		})
	}

	if len(chatIDs) == 0 {
		fmt.Println("No subscribers")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Chat ID", "Kind")
	for _, id := range chatIDs {
		kind := "private"
		if id < 0 {
			kind = "group"
		}
		table.Append(strconv.FormatInt(id, 10), kind)
	}
	table.Render()
	fmt.Printf("\nTotal subscribers: %d\n", len(chatIDs))

	return nil
}

func runSubscribersAdd(cmd *cobra.Command, args []string) error {
	chatID, err := parseChatID(args[0])
	if err != nil {
		return err
	}
	st, err := openCLIStore()
	if err != nil {
		return err
	}
	defer st.Close()

	added, err := st.AddSubscriber(chatID)
	if err != nil {
		return fmt.Errorf("failed to add subscriber: %w", err)
	}
	if added {
		fmt.Printf("Chat %d subscribed\n", chatID)
	} else {
		fmt.Printf("Chat %d is already subscribed\n", chatID)
	}
	return nil
}

func runSubscribersRemove(cmd *cobra.Command, args []string) error {
	chatID, err := parseChatID(args[0])
	if err != nil {
		return err
	}
	st, err := openCLIStore()
	if err != nil {
		return err
	}
	defer st.Close()

	removed, err := st.RemoveSubscriber(chatID)
	if err != nil {
		return fmt.Errorf("failed to remove subscriber: %w", err)
	}
	if !removed {
		return fmt.Errorf("chat %d is not subscribed", chatID)
	}
	fmt.Printf("Chat %d unsubscribed\n", chatID)
	return nil
}
