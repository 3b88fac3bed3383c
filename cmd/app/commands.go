package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pvzzle/txmonitor/internal/app"
	"github.com/pvzzle/txmonitor/internal/monitor"
	"github.com/pvzzle/txmonitor/internal/tg"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "txmonitor",
		Short:         "Track submitted transactions until they settle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(listCmd())
	return rootCmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitor with the configured bot and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context())
		},
	}
}

func watchCmd() *cobra.Command {
	var kindArg string

	cmd := &cobra.Command{
		Use:   "watch <tx-id>",
		Short: "Track one transaction and wait until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			kind, err := tg.ParseKindArg(kindArg)
			if err != nil {
				return fmt.Errorf("--kind %q: %w", kindArg, err)
			}

			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			// no bot here and nothing to wait for before exiting
			cfg.TelegramToken = ""
			cfg.SettleDelay = 0
			log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Monitor.Reload(ctx); err != nil {
				return err
			}

			done := make(chan txstate.Record, 1)
			obs := a.Monitor.AddObserver(monitor.ObserverFunc(func() {
				if rec, ok := a.Monitor.GetByID(id); ok && txstate.IsSettled(rec) {
					select {
					case done <- rec:
					default:
					}
				}
			}))
			defer a.Monitor.RemoveObserver(obs)

			if _, err := a.Monitor.Register(ctx, txstate.Record{ID: id, Kind: kind}); err != nil {
				return err
			}
			// already settled before this run
			if rec, ok := a.Monitor.GetByID(id); ok && txstate.IsSettled(rec) {
				fmt.Fprintln(cmd.OutOrStdout(), tg.FormatRecord(rec, ""))
				return nil
			}

			select {
			case rec := <-done:
				fmt.Fprintln(cmd.OutOrStdout(), tg.FormatRecord(rec, ""))
				if !txstate.IsSuccess(rec) {
					return fmt.Errorf("transaction %s did not succeed", id)
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	cmd.Flags().StringVar(&kindArg, "kind", "default", "transaction kind, name or number")
	return cmd
}

func listCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the persisted tracked set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

			st, closeFn, err := app.OpenStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeFn()

			records := st.All()
			sort.Slice(records, func(i, j int) bool { return records[i].SubmittedAt > records[j].SubmittedAt })

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "no tracked transactions")
				return nil
			}
			for _, r := range records {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.ChainStatus, r.StateLabel())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}
