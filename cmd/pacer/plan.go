package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/pacer/internal/holiday"
	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
)

var (
	planDays       []string
	planStart      string
	planEnd        string
	planDelay      time.Duration
	planMaxPerDay  int
	planTimezone   string
	planRecipients int
	planCountries  []string
	planHolidays   []string
	planShowSends  bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Estimate a send schedule",
	Long: `Project when a number of recipients would be sent under a schedule.
Holidays are taken from --holiday dates only; no calendar API is queried.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringSliceVar(&planDays, "days", []string{"MON", "TUE", "WED", "THU", "FRI"}, "allowed weekdays")
	planCmd.Flags().StringVar(&planStart, "start", "09:00", "window start (HH:MM)")
	planCmd.Flags().StringVar(&planEnd, "end", "17:00", "window end (HH:MM)")
	planCmd.Flags().DurationVar(&planDelay, "delay", 3*time.Minute, "base delay between sends")
	planCmd.Flags().IntVar(&planMaxPerDay, "max-per-day", 100, "daily send cap")
	planCmd.Flags().StringVar(&planTimezone, "timezone", "UTC", "schedule timezone")
	planCmd.Flags().IntVarP(&planRecipients, "recipients", "n", 100, "number of recipients")
	planCmd.Flags().StringSliceVar(&planCountries, "country", nil, "respect holidays of these countries")
	planCmd.Flags().StringSliceVar(&planHolidays, "holiday", nil, "holiday dates (YYYY-MM-DD) for all countries")
	planCmd.Flags().BoolVar(&planShowSends, "sends", false, "list the first planned send times")

	rootCmd.AddCommand(planCmd)
}

func planSchedule() (pacing.Schedule, error) {
	settings := models.ScheduleSettings{
		AllowedDays:      planDays,
		StartTime:        planStart,
		EndTime:          planEnd,
		DelaySeconds:     int(planDelay / time.Second),
		MaxPerDay:        planMaxPerDay,
		RespectHolidays:  len(planCountries) > 0,
		HolidayCountries: planCountries,
		Timezone:         planTimezone,
	}
	return pacing.FromSettings(settings, time.UTC)
}

func runPlan(cmd *cobra.Command, args []string) error {
	sched, err := planSchedule()
	if err != nil {
		return err
	}

	static := make([]holiday.Static, 0, len(planHolidays))
	for _, d := range planHolidays {
		static = append(static, holiday.Static{Date: strings.TrimSpace(d)})
	}
	checker, err := holiday.NewChecker(nil, nil, static, nil)
	if err != nil {
		return err
	}

	est, err := pacing.NewCalculator(checker).Estimate(cmd.Context(), sched, pacing.Input{}, planRecipients)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recipients: %d\n", est.Recipients)
	if est.Recipients == 0 {
		return nil
	}
	fmt.Fprintf(out, "First send: %s\n", est.FirstSendAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Last send:  %s\n", est.LastSendAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Send days:  %d\n", est.SendDays)
	fmt.Fprintf(out, "Duration:   %s\n", est.Duration.Round(time.Minute))

	if planShowSends {
		fmt.Fprintf(out, "\nPlanned sends:\n")
		for i, t := range est.Sends {
			fmt.Fprintf(out, "  %3d  %s\n", i+1, t.Format("Mon 2006-01-02 15:04"))
		}
	}
	return nil
}
