package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
	"github.com/ashita-ai/himitsu/internal/settlement"
)

func (c *cli) datasetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List active datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			list, err := stack.Lifecycle.Datasets(cmd.Context())
			if err != nil {
				return err
			}
			if list == nil {
				list = []model.Dataset{}
			}
			return c.printJSON(list)
		},
	}
}

func (c *cli) datasetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dataset <id>",
		Short: "Show one dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			ds, err := stack.Lifecycle.Dataset(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.printJSON(ds)
		},
	}
}

func (c *cli) uploadCmd() *cobra.Command {
	var (
		name, description, price, file string
		values                         []int64
	)
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Encrypt and register a dataset",
		Long: `Upload registers a dataset of non-negative integers below 2^32 on the
active backend. Values come from --values or from --file (separated by
commas or whitespace). The price is in wei.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				fromFile, err := readValues(file)
				if err != nil {
					return err
				}
				values = append(values, fromFile...)
			}
			wei, err := settlement.ParseWei(price)
			if err != nil {
				return err
			}
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			res, err := stack.Lifecycle.UploadDataset(cmd.Context(), lifecycle.UploadRequest{
				ClientID:    cliClientID,
				Name:        name,
				Description: description,
				Values:      values,
				Price:       wei,
			})
			if err != nil {
				return err
			}
			return c.printJSON(res)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "dataset name (required)")
	cmd.Flags().StringVar(&description, "description", "", "dataset description")
	cmd.Flags().StringVar(&price, "price", "", "price per query in wei (required)")
	cmd.Flags().Int64SliceVar(&values, "values", nil, "comma separated values")
	cmd.Flags().StringVar(&file, "file", "", "read values from a file")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func (c *cli) updateCmd() *cobra.Command {
	var (
		price  string
		active bool
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a dataset's price or active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if !flags.Changed("price") && !flags.Changed("active") {
				return errors.New("nothing to update: pass --price and/or --active")
			}
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			current, err := stack.Lifecycle.Dataset(cmd.Context(), id)
			if err != nil {
				return err
			}
			wei := current.PricePerQuery
			if flags.Changed("price") {
				if wei, err = settlement.ParseWei(price); err != nil {
					return err
				}
			}
			if !flags.Changed("active") {
				active = current.Active
			}
			ref, err := stack.Lifecycle.UpdateDataset(cmd.Context(), cliClientID, id, wei, active)
			if err != nil {
				return err
			}
			return c.printJSON(ref)
		},
	}
	cmd.Flags().StringVar(&price, "price", "", "new price per query in wei")
	cmd.Flags().BoolVar(&active, "active", true, "whether buyers can query the dataset")
	return cmd
}

// queryOutput pairs the accepted submission with its outcome, if waited for.
type queryOutput struct {
	Submission *lifecycle.Submission `json:"submission"`
	Outcome    *lifecycle.Outcome    `json:"outcome,omitempty"`
	Note       string                `json:"note,omitempty"`
}

func (c *cli) queryCmd() *cobra.Command {
	var (
		datasetID uint64
		typ       string
		threshold int64
		noWait    bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Pay for and run an aggregate query",
		Long: `Query pays the dataset's current price and runs one of mean, variance,
count_above or count_below. Count queries need --threshold. By default the
command waits for the result; on a timeout, use "wait <id>" later rather
than resubmitting, which would pay again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			qt, err := model.ParseQueryType(typ)
			if err != nil {
				return err
			}
			req := lifecycle.QueryRequest{ClientID: cliClientID, DatasetID: datasetID, Type: qt}
			if cmd.Flags().Changed("threshold") {
				req.Parameter = &threshold
			}
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			var (
				sub *lifecycle.Submission
				out *lifecycle.Outcome
			)
			if noWait {
				sub, err = stack.Lifecycle.SubmitQuery(cmd.Context(), req)
			} else {
				sub, out, err = stack.Lifecycle.Execute(cmd.Context(), req)
			}
			if sub == nil {
				return err
			}
			res := queryOutput{Submission: sub, Outcome: out}
			if err != nil {
				res.Note = model.Describe(err)
				if !sub.Resolved && sub.Tx.Hash != "" {
					res.Note += fmt.Sprintf(` Run "resolve %s" later instead of resubmitting.`, sub.Tx.Hash)
				}
			}
			if perr := c.printJSON(res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&datasetID, "dataset", 0, "dataset id (required)")
	cmd.Flags().StringVar(&typ, "type", "mean", "mean, variance, count_above or count_below")
	cmd.Flags().Int64Var(&threshold, "threshold", 0, "threshold for count queries")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after the payment is confirmed")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func (c *cli) waitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <query-id>",
		Short: "Wait for a submitted query to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			out, err := stack.Lifecycle.WaitForResult(cmd.Context(), nil, id)
			if out == nil {
				return err
			}
			if perr := c.printJSON(out); perr != nil {
				return perr
			}
			return err
		},
	}
}

func (c *cli) queriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queries <buyer-address>",
		Short: "List the queries an account paid for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			qs, err := stack.Lifecycle.BuyerQueries(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if qs == nil {
				qs = []model.Query{}
			}
			return c.printJSON(qs)
		},
	}
}

func (c *cli) resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <tx-hash>",
		Short: "Recover a query id from its payment transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			id, err := stack.Lifecycle.ResolveQueryID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(map[string]any{"tx_hash": args[0], "query_id": id})
		},
	}
}

func (c *cli) quoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote <price-wei>",
		Short: "Show the provider and platform split for a price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wei, err := settlement.ParseWei(args[0])
			if err != nil {
				return err
			}
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			q, err := stack.Settlement.Quote(wei)
			if err != nil {
				return err
			}
			return c.printJSON(q)
		},
	}
}

func (c *cli) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <owner-address>",
		Short: "Summarize a provider's datasets and audit their revenue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := stack.Dashboard.Summary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(sum)
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show platform totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			st, err := stack.Lifecycle.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return c.printJSON(st)
		},
	}
}

func (c *cli) modeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode [mock|fhe]",
		Short: "Show or switch the execution backend",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := c.core(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				mode, err := model.ParseMode(args[0])
				if err != nil {
					return err
				}
				if err := stack.Session.SetMode(cmd.Context(), mode); err != nil {
					return err
				}
			}
			return c.printJSON(stack.Session.Status(cmd.Context()))
		},
	}
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func readValues(path string) ([]int64, error) {
	b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read values: %w", err)
	}
	fields := strings.FieldsFunc(string(b), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\r' || r == '\t'
	})
	out := make([]int64, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("read values: entry %d: %q is not an integer", i, f)
		}
		out = append(out, v)
	}
	return out, nil
}
