package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pbaille/chronicle/internal/api"
	"github.com/pbaille/chronicle/internal/associate"
	"github.com/pbaille/chronicle/internal/config"
	"github.com/pbaille/chronicle/internal/store"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	dbPath  string
	user    string
	verbose bool
)

func main() {
	home, _ := os.UserHomeDir()
	defaultCfg := filepath.Join(home, ".chronicle", "config.yaml")

	rootCmd := &cobra.Command{
		Use:   "chronicle",
		Short: "Personal journal with tag-driven narratives",
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultCfg, "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&user, "user", defaultUser(), "acting user")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(tagsCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(narrativesCmd())
	rootCmd.AddCommand(associateCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func getStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return store.New(cfg.DBPath)
}

func addCmd() *cobra.Command {
	var title, date string
	var tags []string

	cmd := &cobra.Command{
		Use:   "add [body]",
		Short: "Add a journal entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.Join(args, " ")

			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entry, err := s.AddEntry(user, title, body, date)
			if err != nil {
				return err
			}

			fmt.Printf("Added entry: %s (%s)\n", entry.ID[:8], entry.OccurredOn)

			for _, name := range tags {
				tag, err := s.GetOrCreateTag(name)
				if err != nil {
					fmt.Printf("  warning: couldn't create tag %s: %v\n", name, err)
					continue
				}
				if err := s.TagEntry(entry.ID, tag.ID); err != nil {
					fmt.Printf("  warning: couldn't link tag %s: %v\n", name, err)
					continue
				}
				fmt.Printf("  + %s\n", name)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "entry title")
	cmd.Flags().StringVar(&date, "date", "", "entry date (YYYY-MM-DD, default today)")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tags to assign")
	return cmd
}

func listCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.ListEntries(user, limit, 0)
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No entries yet. Use 'chronicle add' to create one.")
				return nil
			}

			for _, e := range entries {
				fmt.Printf("%s  %s  %s\n", e.ID[:8], e.OccurredOn, truncate(e.Body, 60))
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show entry details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolveEntry(s, args[0])
			if err != nil {
				return err
			}

			entry, err := s.GetEntry(id)
			if err != nil {
				return err
			}

			fmt.Printf("ID:      %s\n", entry.ID)
			fmt.Printf("Date:    %s\n", entry.OccurredOn)
			if entry.Title != "" {
				fmt.Printf("Title:   %s\n", entry.Title)
			}
			fmt.Printf("Body:\n%s\n", entry.Body)

			if len(entry.Tags) > 0 {
				fmt.Printf("\nTags:\n")
				for _, t := range entry.Tags {
					fmt.Printf("  - %s\n", t.Name)
				}
			}

			return nil
		},
	}
}

// resolveEntry finds a full entry ID from a prefix
func resolveEntry(s *store.Store, prefix string) (string, error) {
	entries, err := s.ListEntries(user, 1000, 0)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.ID, prefix) {
			return e.ID, nil
		}
	}
	return "", fmt.Errorf("entry not found: %s", prefix)
}

func tagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List the tag vocabulary",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			tags, err := s.ListTags()
			if err != nil {
				return err
			}

			if len(tags) == 0 {
				fmt.Println("No tags yet.")
				return nil
			}

			for _, t := range tags {
				fmt.Println(t.Name)
			}

			return nil
		},
	}
}

func tagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag [entry-id] [tag...]",
		Short: "Assign tags to an entry",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolveEntry(s, args[0])
			if err != nil {
				return err
			}

			for _, name := range args[1:] {
				tag, err := s.GetOrCreateTag(name)
				if err != nil {
					return err
				}
				if err := s.TagEntry(id, tag.ID); err != nil {
					return err
				}
				fmt.Printf("  + %s\n", name)
			}

			return nil
		},
	}
}

func narrativesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "narratives",
		Short: "Manage narratives",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			narratives, err := s.ListNarratives(user)
			if err != nil {
				return err
			}

			if len(narratives) == 0 {
				fmt.Println("No narratives yet. Use 'chronicle narratives add' to create one.")
				return nil
			}

			tags, err := s.ListTags()
			if err != nil {
				return err
			}
			names := make(map[string]string, len(tags))
			for _, t := range tags {
				names[t.ID] = t.Name
			}

			for _, n := range narratives {
				required := make([]string, 0, len(n.RequiredTags))
				for _, id := range n.RequiredTags {
					if name, ok := names[id]; ok {
						required = append(required, name)
					} else {
						required = append(required, id)
					}
				}
				fmt.Printf("%s  %s  [%s]\n", n.ID[:8], n.Name, strings.Join(required, ", "))
			}

			return nil
		},
	}

	cmd.AddCommand(narrativesAddCmd())
	cmd.AddCommand(narrativesRmCmd())
	return cmd
}

func narrativesAddCmd() *cobra.Command {
	var description string
	var tags []string

	cmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Create a narrative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			tagIDs := make([]string, 0, len(tags))
			for _, name := range tags {
				tag, err := s.GetOrCreateTag(name)
				if err != nil {
					return err
				}
				tagIDs = append(tagIDs, tag.ID)
			}

			n, err := s.AddNarrative(user, args[0], description, tagIDs)
			if err != nil {
				return err
			}

			fmt.Printf("Created narrative: %s (%s)\n", n.Name, n.ID[:8])
			if len(tags) == 0 {
				fmt.Println("(no required tags; the associator will skip it)")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "narrative description")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "required tags")
	return cmd
}

func narrativesRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [id]",
		Short: "Delete a narrative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			narratives, err := s.ListNarratives(user)
			if err != nil {
				return err
			}
			for _, n := range narratives {
				if strings.HasPrefix(n.ID, args[0]) {
					if err := s.DeleteNarrative(n.ID); err != nil {
						return err
					}
					fmt.Printf("Deleted narrative: %s\n", n.Name)
					return nil
				}
			}
			return fmt.Errorf("narrative not found: %s", args[0])
		},
	}
}

func associateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "associate",
		Short: "Run the tag-matching associator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			a := associate.New(s, newLogger(cfg))
			report, err := a.Run(cmd.Context(), user)
			if err != nil {
				return err
			}

			fmt.Print(report.Summary())
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			now := time.Now()
			events, err := s.EventsBetween(user, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
			if err != nil {
				return err
			}

			if len(events) == 0 {
				fmt.Println("No events.")
				return nil
			}

			for _, e := range events {
				fmt.Printf("%s  %s  %s\n", e.ID[:8], e.StartsAt.Format("2006-01-02 15:04"), e.Title)
			}
			return nil
		},
	}

	cmd.AddCommand(eventsAddCmd())
	cmd.AddCommand(eventsRelateCmd())
	return cmd
}

func eventsAddCmd() *cobra.Command {
	var notes, start, end string

	cmd := &cobra.Command{
		Use:   "add [title]",
		Short: "Create an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			startsAt, err := time.Parse("2006-01-02 15:04", start)
			if err != nil {
				startsAt, err = time.Parse("2006-01-02", start)
				if err != nil {
					return fmt.Errorf("invalid start: %s", start)
				}
			}

			var endsAt *time.Time
			if end != "" {
				t, err := time.Parse("2006-01-02 15:04", end)
				if err != nil {
					return fmt.Errorf("invalid end: %s", end)
				}
				endsAt = &t
			}

			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			event, err := s.AddEvent(user, args[0], notes, startsAt, endsAt, nil)
			if err != nil {
				return err
			}

			fmt.Printf("Created event: %s (%s)\n", event.Title, event.ID[:8])
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "event notes")
	cmd.Flags().StringVar(&start, "start", "", "start time (YYYY-MM-DD [HH:MM])")
	cmd.Flags().StringVar(&end, "end", "", "end time (YYYY-MM-DD HH:MM)")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func eventsRelateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relate [source-id] [rel-type] [target-id]",
		Short: "Relate two events",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.RelateEvents(args[0], args[2], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s --%s--> %s\n", args[0], args[1], args[2])
			return nil
		},
	}
}

func calendarCmd() *cobra.Command {
	var year, month int

	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Show entries and events for a month",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if year == 0 {
				year = now.Year()
			}
			if month == 0 {
				month = int(now.Month())
			}

			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
			end := start.AddDate(0, 1, 0)

			entries, err := s.EntriesBetween(user, start.Format("2006-01-02"), end.AddDate(0, 0, -1).Format("2006-01-02"))
			if err != nil {
				return err
			}
			events, err := s.EventsBetween(user, start, end)
			if err != nil {
				return err
			}

			lines := make(map[string][]string)
			for _, e := range entries {
				lines[e.OccurredOn] = append(lines[e.OccurredOn], "entry  "+truncate(e.Body, 50))
			}
			for _, ev := range events {
				d := ev.StartsAt.Format("2006-01-02")
				lines[d] = append(lines[d], "event  "+ev.Title)
			}

			if len(lines) == 0 {
				fmt.Printf("Nothing in %04d-%02d.\n", year, month)
				return nil
			}

			for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
				key := d.Format("2006-01-02")
				for _, line := range lines[key] {
					fmt.Printf("%s  %s\n", key, line)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&year, "year", 0, "year (default current)")
	cmd.Flags().IntVar(&month, "month", 0, "month 1-12 (default current)")
	return cmd
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search [query]",
		Short: "Search entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.SearchEntries(user, args[0])
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No matching entries found.")
				return nil
			}

			for _, e := range entries {
				fmt.Printf("%s  %s  %s\n", e.ID[:8], e.OccurredOn, truncate(e.Body, 60))
			}

			return nil
		},
	}
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			s, err := getStore()
			if err != nil {
				return err
			}
			// Note: don't defer s.Close() as server runs indefinitely

			server := api.New(s, cfg.Addr, newLogger(cfg))
			return server.Run()
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (overrides config)")
	return cmd
}
