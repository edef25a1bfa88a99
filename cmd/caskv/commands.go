package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/caskv"
	asynchook "github.com/unkn0wn-root/caskv/hooks/async"
)

type app struct {
	flags  globalFlags
	stderr io.Writer
	log    *zap.Logger
	events *asynchook.Hooks
	kv     caskv.KV[any]
}

// run executes one command line. The store is opened lazily by the first
// subcommand and closed here whether or not the command succeeded.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{stderr: stderr}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	return multierr.Append(err, a.close())
}

func (a *app) close() error {
	if a.log != nil {
		defer a.log.Sync() //nolint:errcheck
	}
	if a.events != nil {
		defer a.events.Close()
	}
	if a.kv == nil {
		return nil
	}
	return a.kv.Close(context.Background())
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "caskv",
		Short:         "Inspect and edit a caskv namespace",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(a.flags.verbose)
			if err != nil {
				return err
			}
			a.log = log
			var hooks caskv.Hooks
			if a.flags.events {
				a.events = newEventHooks(a.stderr)
				hooks = a.events
			}
			a.kv, err = openKV(&a.flags, log, hooks)
			return err
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.db, "db", defaultDBPath(), "Path to the bolt database file.")
	pf.StringVar(&a.flags.redis, "redis", "", "Use the Redis server at this address instead of bolt.")
	pf.StringVarP(&a.flags.namespace, "namespace", "n", "default", "Namespace to operate on.")
	pf.BoolVar(&a.flags.cache, "cache", false, "Serve reads through an in-process ristretto cache.")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "Log debug events to stderr.")
	pf.BoolVar(&a.flags.events, "events", false, "Print store events such as conflicts and retries to stderr.")
	pf.DurationVar(&a.flags.timeout, "timeout", 10*time.Second, "Deadline for the whole command.")

	root.AddCommand(
		a.getCommand(),
		a.putCommand(),
		a.deleteCommand(),
		a.listCommand(),
		a.itemsCommand(),
		a.countCommand(),
		a.clearCommand(),
		a.casCommand(),
		a.incrCommand(),
		a.reapCommand(),
	)
	return root
}

func (a *app) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.flags.timeout)
}

func parseValue(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("value %q is not JSON: %w", s, err)
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func (a *app) getCommand() *cobra.Command {
	var entry bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			e, ok, err := a.kv.GetEntry(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return &caskv.NotFoundError{Key: args[0]}
			}
			if !entry {
				return printJSON(cmd.OutOrStdout(), e.Value)
			}
			out := map[string]any{"key": e.Key, "value": e.Value, "version": e.Version}
			if !e.ExpiresAt.IsZero() {
				out["expiresAt"] = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&entry, "entry", false, "Print version and expiry along with the value.")
	return cmd
}

type ttlFlags struct {
	ttl   time.Duration
	epoch string
}

func (f *ttlFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "Expire the value after this duration.")
	cmd.Flags().StringVar(&f.epoch, "ttl-epoch", "", "Expire the value at this RFC3339 instant; wins over --ttl.")
}

func (f *ttlFlags) resolve() (time.Duration, time.Time, error) {
	if f.epoch == "" {
		return f.ttl, time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, f.epoch)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("--ttl-epoch: %w", err)
	}
	return f.ttl, at, nil
}

func (a *app) putCommand() *cobra.Command {
	var (
		ttl         ttlFlags
		ifNotExists bool
	)
	cmd := &cobra.Command{
		Use:   "put <key> <json>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseValue(args[1])
			if err != nil {
				return err
			}
			d, at, err := ttl.resolve()
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			return a.kv.Put(ctx, args[0], v, caskv.PutOptions{TTL: d, TTLEpoch: at, IfNotExists: ifNotExists})
		},
	}
	ttl.register(cmd)
	cmd.Flags().BoolVar(&ifNotExists, "if-not-exists", false, "Fail if a live value exists.")
	return cmd
}

func (a *app) deleteCommand() *cobra.Command {
	var prev string
	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts caskv.DeleteOptions[any]
			if prev != "" {
				v, err := parseValue(prev)
				if err != nil {
					return err
				}
				opts.PrevValue = caskv.Some(v)
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			return a.kv.Delete(ctx, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&prev, "prev", "", "Only delete if the current value equals this JSON.")
	return cmd
}

func (a *app) listCommand() *cobra.Command {
	var opts caskv.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys in ascending order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			keys, err := a.kv.List(ctx, opts)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", "", "Start after this key.")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Page size (default 1000).")
	return cmd
}

func (a *app) itemsCommand() *cobra.Command {
	var opts caskv.ListOptions
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List keys with their values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			items, err := a.kv.Items(ctx, opts)
			if err != nil {
				return err
			}
			for _, it := range items {
				b, err := json.Marshal(it.Value)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", it.Key, b)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", "", "Start after this key.")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Page size (default 100).")
	return cmd
}

func (a *app) countCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count live keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			n, err := a.kv.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func (a *app) clearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every key in the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			n, err := a.kv.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func (a *app) casCommand() *cobra.Command {
	var (
		compare, set string
		ttl          ttlFlags
	)
	cmd := &cobra.Command{
		Use:   "cas <key>",
		Short: "Compare-and-set a key",
		Long: `Replace the value of key only if it currently equals --compare.
Without --compare the key must be absent. Without --set the key is deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := caskv.CasOp[any]{Key: args[0]}
			for _, f := range []struct {
				raw string
				dst *caskv.Maybe[any]
			}{{compare, &op.Compare}, {set, &op.Set}} {
				if f.raw == "" {
					continue
				}
				v, err := parseValue(f.raw)
				if err != nil {
					return err
				}
				*f.dst = caskv.Some(v)
			}
			var err error
			if op.TTL, op.TTLEpoch, err = ttl.resolve(); err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			return a.kv.Cas(ctx, op)
		},
	}
	cmd.Flags().StringVar(&compare, "compare", "", "Expected current value as JSON.")
	cmd.Flags().StringVar(&set, "set", "", "New value as JSON.")
	ttl.register(cmd)
	return cmd
}

func (a *app) incrCommand() *cobra.Command {
	var by float64
	cmd := &cobra.Command{
		Use:   "incr <key>",
		Short: "Atomically add to a numeric value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			next, err := a.kv.Transact(ctx, args[0], func(prev caskv.Maybe[any]) (caskv.Maybe[any], error) {
				n, ok := prev.Or(0.0).(float64)
				if !ok {
					return caskv.None[any](), fmt.Errorf("value of %q is not a number", args[0])
				}
				return caskv.Some[any](n + by), nil
			})
			if errors.Is(err, caskv.ErrRetriesExhausted) {
				a.log.Warn("increment gave up under contention", zap.String("key", args[0]))
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), next.Value)
		},
	}
	cmd.Flags().Float64Var(&by, "by", 1, "Amount to add.")
	return cmd
}

func (a *app) reapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove expired entries now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			n, err := a.kv.Reap(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}
