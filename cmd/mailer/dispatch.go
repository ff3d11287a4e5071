package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"MailingService/internal/worker"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one dispatch cycle and print its report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := newDispatcher(store).RunCycle(cmd.Context())
		if err != nil {
			return err
		}
		return printReport(report)
	},
}

var sendNowCmd = &cobra.Command{
	Use:   "send-now <mailing-id>",
	Short: "Send a mailing immediately instead of waiting for its next send time",
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

		report, err := newDispatcher(store).SendNow(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("mailing %d: %w", id, err)
		}
		return printReport(report)
	},
}

var finishCmd = &cobra.Command{
	Use:   "finish <mailing-id>",
	Short: "Stop a running recurring mailing",
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

		if err := newDispatcher(store).Finish(cmd.Context(), id); err != nil {
			return fmt.Errorf("mailing %d: %w", id, err)
		}
		pterm.Success.Printf("Mailing %d finished\n", id)
		return nil
	},
}

func printReport(report worker.Report) error {
	pterm.Info.Printf("Checked %d mailings, %d due: %d sent, %d failed (%s)\n",
		report.Checked, report.Due, report.Sent, report.Failed, report.Duration.Round(time.Millisecond))

	if report.Due == 0 {
		return nil
	}

	data := pterm.TableData{{"ID", "Title", "Outcome", "Recipients", "Status", "Next send", "Error"}}
	for _, r := range report.Results {
		if r.Outcome == worker.OutcomeSkipped {
			continue
		}
		data = append(data, []string{
			fmt.Sprint(r.MailingID),
			r.Title,
			outcomeLabel(r.Outcome),
			fmt.Sprint(r.Recipients),
			string(r.Status),
			r.NextSendAt.Local().Format(timeFormat),
			r.Error,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func outcomeLabel(o worker.Outcome) string {
	switch o {
	case worker.OutcomeSent:
		return pterm.Green(string(o))
	case worker.OutcomeFailed:
		return pterm.Red(string(o))
	default:
		return pterm.Gray(string(o))
	}
}
