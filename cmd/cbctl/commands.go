package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/pior/couchcore"
	"github.com/pior/couchcore/prom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var errWriter io.Writer = os.Stderr

func (a *app) mapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "map",
		Short: "Print the current cluster map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printMap(cmd.OutOrStdout(), a.client.CurrentMap())
			return nil
		},
	}
}

func printMap(out io.Writer, m *couchcore.ClusterMap) {
	fmt.Fprintf(out, "bucket %s rev %d locator %s vbuckets %d replicas %d\n",
		m.BucketName, m.Revision, m.Locator, m.NumVBuckets(), m.NumReplicas)

	active := make(map[int]int)
	replica := make(map[int]int)
	for _, chain := range m.VBuckets {
		for i, idx := range chain {
			if idx < 0 {
				continue
			}
			if i == 0 {
				active[idx]++
			} else {
				replica[idx]++
			}
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tACTIVE\tREPLICA")
	for i, addr := range m.ServerList {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", addr, active[i], replica[i])
	}
	_ = tw.Flush()
}

func (a *app) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Send a NOOP to every data node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			if err := a.client.Ping(cmd.Context()); err != nil {
				return err
			}
			nodes := len(a.client.CurrentMap().ServerList)
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d nodes in %s\n", nodes, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			replica, _ := cmd.Flags().GetInt("replica")

			op := couchcore.NewGetOperation(args[0])
			if replica > 0 {
				op = couchcore.NewGetReplicaOperation(args[0], replica)
			}
			res, err := a.client.Execute(cmd.Context(), op)
			if err != nil {
				return err
			}
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "node=%s vbucket=%d cas=%d flags=%#x\n", res.Node, res.VBucket, res.CAS, res.Flags)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(res.Value))
			return nil
		},
	}
	cmd.Flags().Int("replica", 0, "read from this replica instead of the active node")
	cmd.Flags().BoolP("verbose", "v", false, "print the node, vbucket and CAS")
	return cmd
}

func (a *app) setCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			flags, _ := cmd.Flags().GetUint32("flags")
			add, _ := cmd.Flags().GetBool("add")

			op := couchcore.NewSetOperation(args[0], []byte(args[1]), flags, ttl)
			if add {
				op = couchcore.NewAddOperation(args[0], []byte(args[1]), flags, ttl)
			}
			res, err := a.client.Execute(cmd.Context(), op)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored on %s, cas %d\n", res.Node, res.CAS)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 0, "expiration, none when zero")
	cmd.Flags().Uint32("flags", 0, "item flags")
	cmd.Flags().Bool("add", false, "fail if the key exists")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete [key]",
		Aliases: []string{"del"},
		Short:   "Remove a key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.client.Execute(cmd.Context(), couchcore.NewDeleteOperation(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		},
	}
}

func (a *app) incrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incr [key]",
		Short: "Increment a counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, _ := cmd.Flags().GetUint64("delta")
			initial, _ := cmd.Flags().GetUint64("initial")

			res, err := a.client.Execute(cmd.Context(), couchcore.NewIncrementOperation(args[0], delta, initial, couchcore.NoTTL))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Counter())
			return nil
		},
	}
	cmd.Flags().Uint64("delta", 1, "amount to add")
	cmd.Flags().Uint64("initial", 0, "value of a missing counter")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every cluster map revision as it is published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
				srv := a.metricsServer(addr)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintln(errWriter, "metrics server:", err)
					}
				}()
				defer srv.Close()
			}

			out := cmd.OutOrStdout()
			m := a.client.CurrentMap()
			printMap(out, m)
			for {
				next, err := a.client.WaitForMapAfter(ctx, m)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				if err != nil {
					return err
				}
				printRevisionChange(out, m, next)
				m = next
			}
		},
	}
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func (a *app) metricsServer(addr string) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prom.NewCollector(a.client))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func printRevisionChange(out io.Writer, prev, next *couchcore.ClusterMap) {
	moved := 0
	if prev.NumVBuckets() == next.NumVBuckets() {
		for vb := range next.VBuckets {
			before, _ := prev.NodeForVBucket(uint16(vb), 0)
			after, _ := next.NodeForVBucket(uint16(vb), 0)
			if before != after {
				moved++
			}
		}
	}

	var added, removed []string
	for _, addr := range next.ServerList {
		if !prev.HasNode(addr) {
			added = append(added, addr)
		}
	}
	for _, addr := range prev.ServerList {
		if !next.HasNode(addr) {
			removed = append(removed, addr)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	fmt.Fprintf(out, "rev %d -> %d: %d vbuckets moved, added %v, removed %v\n",
		prev.Revision, next.Revision, moved, added, removed)
}
