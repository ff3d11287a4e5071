package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"MailingService/internal/csvparser"
	"MailingService/internal/models"
)

const timeFormat = "02-01-2006 15:04:05"

var mailingsCmd = &cobra.Command{
	Use:   "mailings",
	Short: "Create and inspect mailings",
}

var mailingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mailings with their status and next send time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		mailings, err := store.ListMailings(cmd.Context(), ownerFlag)
		if err != nil {
			return err
		}
		if len(mailings) == 0 {
			pterm.Warning.Println("No mailings found")
			return nil
		}

		data := pterm.TableData{{"ID", "Owner", "Title", "Regularity", "Status", "Next send"}}
		for _, m := range mailings {
			data = append(data, []string{
				fmt.Sprint(m.ID),
				fmt.Sprint(m.OwnerID),
				m.Title,
				m.Regularity.String(),
				string(m.Status),
				m.NextSendAt.Local().Format(timeFormat),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var mailingsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a mailing for an owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ownerFlag <= 0 {
			return fmt.Errorf("--owner is required")
		}
		if strings.TrimSpace(titleFlag) == "" {
			return fmt.Errorf("--title is required")
		}
		regularity, err := models.ParseRegularity(regularityFlag)
		if err != nil {
			return err
		}
		at, err := parseSendAt(atFlag, time.Now())
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		m := models.Mailing{
			Title:      titleFlag,
			Body:       bodyFlag,
			NextSendAt: at,
			Regularity: regularity,
			Status:     models.StatusCreated,
			OwnerID:    ownerFlag,
		}
		if err := store.InsertMailing(cmd.Context(), &m); err != nil {
			return err
		}
		pterm.Success.Printf("Mailing %d (%s) created, first send %s, %s\n",
			m.ID, m.Slug, m.NextSendAt.Local().Format(timeFormat), m.Regularity)
		return nil
	},
}

// parseSendAt reads --at as RFC 3339 or in the local timeFormat. Empty means
// now.
func parseSendAt(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return now.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(timeFormat, v, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: use RFC 3339 or %q", v, timeFormat)
	}
	return t.UTC(), nil
}

var logsCmd = &cobra.Command{
	Use:   "logs <mailing-id>",
	Short: "Show the dispatch attempts of a mailing, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMailingID(args[0])
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		m, err := store.GetMailing(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("mailing %d: %w", id, err)
		}
		logs, err := store.ListLogs(cmd.Context(), id, logsLimitFlag)
		if err != nil {
			return err
		}

		pterm.Info.Printf("%s (%s, %s)\n", m.Title, m.Status, m.Regularity)
		if len(logs) == 0 {
			pterm.Warning.Println("No attempts recorded")
			return nil
		}

		data := pterm.TableData{{"Attempted", "Result", "Server response"}}
		for _, l := range logs {
			result := pterm.Green("ok")
			if !l.Success {
				result = pterm.Red("failed")
			}
			data = append(data, []string{l.AttemptedAt.Local().Format(timeFormat), result, l.Response})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show mailing and client totals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		pterm.Printf("Total mailings:  %d\n", st.TotalMailings)
		pterm.Printf("Active mailings: %d\n", st.ActiveMailings)
		pterm.Printf("Unique clients:  %d\n", st.UniqueClients)
		return nil
	},
}

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Manage mailing recipients",
}

var clientsImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import or update an owner's clients from a CSV with an Email column",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ownerFlag <= 0 {
			return fmt.Errorf("--owner is required")
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		clients, err := csvparser.ParseClientRows(f, maxRowsFlag)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.UpsertClients(cmd.Context(), ownerFlag, clients)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Imported %d clients for owner %d\n", n, ownerFlag)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// openStore applies the schema.
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		pterm.Success.Printf("Schema is up to date (%s)\n", cfg.StoreDriver)
		return nil
	},
}

var (
	ownerFlag      int64
	logsLimitFlag  int
	maxRowsFlag    int
	titleFlag      string
	bodyFlag       string
	atFlag         string
	regularityFlag string
)

func init() {
	mailingsCmd.AddCommand(mailingsListCmd)
	mailingsListCmd.Flags().Int64Var(&ownerFlag, "owner", 0, "Only list mailings of this owner")

	mailingsCmd.AddCommand(mailingsCreateCmd)
	mailingsCreateCmd.Flags().Int64Var(&ownerFlag, "owner", 0, "Owner whose clients receive the mailing")
	mailingsCreateCmd.Flags().StringVar(&titleFlag, "title", "", "Subject line")
	mailingsCreateCmd.Flags().StringVar(&bodyFlag, "body", "", "Message body")
	mailingsCreateCmd.Flags().StringVar(&atFlag, "at", "", "First send time (RFC 3339 or "+timeFormat+"), default now")
	mailingsCreateCmd.Flags().StringVar(&regularityFlag, "regularity", "none", "none, daily, weekly or monthly")

	logsCmd.Flags().IntVar(&logsLimitFlag, "limit", 20, "Number of attempts to show")

	clientsCmd.AddCommand(clientsImportCmd)
	clientsImportCmd.Flags().Int64Var(&ownerFlag, "owner", 0, "Owner of the imported clients")
	clientsImportCmd.Flags().IntVar(&maxRowsFlag, "max-rows", 10000, "Maximum rows to import")
}
