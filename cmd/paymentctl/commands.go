package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/staybook/booking-payments/internal/app"
	"github.com/staybook/booking-payments/internal/config"
	"github.com/staybook/booking-payments/internal/database"
	"github.com/staybook/booking-payments/internal/models"
	"github.com/staybook/booking-payments/internal/services"
	"github.com/staybook/booking-payments/internal/utils"
)

func migrateCmd() *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the payments schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Print(database.Schema())
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			db, err := database.NewConnection(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(cmd.Context(), db.DB); err != nil {
				return err
			}
			fmt.Println("✅ Schema applied")
			return nil
		},
	}

	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <tx_ref>",
		Short: "Verify one payment with Chapa and apply the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				outcome, err := a.Verifier.Verify(cmd.Context(), args[0], services.SystemMeta(models.PaymentSourceOperator))
				if err != nil {
					return fmt.Errorf("verification failed: %w", err)
				}

				fmt.Printf("reference:     %s\n", outcome.Payment.TransactionReference)
				fmt.Printf("status:        %s\n", outcome.Payment.Status)
				fmt.Printf("transitioned:  %t\n", outcome.Transitioned)
				fmt.Printf("already final: %t\n", outcome.AlreadyFinal)
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over stale pending payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				started := time.Now()
				report, err := a.Reconciler.RunOnce(cmd.Context())
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "checked\t%d\n", report.Checked)
				fmt.Fprintf(w, "completed\t%d\n", report.Completed)
				fmt.Fprintf(w, "failed\t%d\n", report.Failed)
				fmt.Fprintf(w, "cancelled\t%d\n", report.Cancelled)
				fmt.Fprintf(w, "still pending\t%d\n", report.StillPending)
				fmt.Fprintf(w, "errors\t%d\n", report.Errors)
				fmt.Fprintf(w, "took\t%s\n", time.Since(started).Round(time.Millisecond))
				return w.Flush()
			})
		},
	}
}

func showCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <tx_ref>",
		Short: "Show a payment and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				payment, err := a.Payments.FindByReference(cmd.Context(), args[0])
				if database.IsNotFound(err) {
					return fmt.Errorf("no payment with reference %q", args[0])
				}
				if err != nil {
					return err
				}
				audits, err := a.Audits.GetByReference(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]interface{}{
						"payment": payment,
						"audit":   audits,
					})
				}

				fmt.Printf("%s  %s %s  %s  booking %s\n",
					payment.TransactionReference, payment.Amount.StringFixed(2), payment.Currency, payment.Status, payment.BookingID)

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tEVENT\tSOURCE\tSTATUS\tERROR")
				for _, row := range audits {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						row.CreatedAt.Format(time.RFC3339), row.EventType, row.EventSource, deref(row.PaymentStatus), deref(row.ErrorMessage))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func secretCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a webhook signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := utils.GenerateSecret(size)
			if err != nil {
				return fmt.Errorf("failed to generate secret: %w", err)
			}

			fmt.Println("Set the same value in the Chapa dashboard and in your environment:")
			fmt.Println()
			fmt.Printf("CHAPA_WEBHOOK_SECRET=%s\n", secret)
			fmt.Println()
			fmt.Println("⚠️  Keep this secret safe and never commit it to version control!")
			return nil
		},
	}

	cmd.Flags().IntVar(&size, "bytes", 32, "number of random bytes")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
