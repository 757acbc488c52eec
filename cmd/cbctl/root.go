package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pior/couchcore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	v      *viper.Viper
	client *couchcore.Client
}

func newApp() *app {
	v := viper.New()
	v.SetEnvPrefix("cbctl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{v: v}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "cbctl",
		Short:             "Inspect and query a bucket over the binary protocol",
		SilenceUsage:      true,
		PersistentPreRunE: a.connect,
	}

	flags := root.PersistentFlags()
	flags.StringSlice("seeds", []string{"127.0.0.1:8091"}, "management endpoints used to fetch the cluster map")
	flags.String("bucket", "default", "bucket to open")
	flags.String("username", "", "user name, the bucket name when empty")
	flags.String("password", "", "password")
	flags.Bool("tls", false, "use TLS for data and management connections")
	flags.Bool("tls-skip-verify", false, "do not verify server certificates")
	flags.Duration("timeout", 5*time.Second, "operation timeout")
	flags.Duration("bootstrap-timeout", 10*time.Second, "how long to wait for the first cluster map")
	flags.Int32("pool-size", 2, "maximum connections per data node")
	flags.String("log-level", "warn", "debug, info, warn or error")
	_ = a.v.BindPFlags(flags)

	root.AddCommand(
		a.mapCmd(),
		a.pingCmd(),
		a.getCmd(),
		a.setCmd(),
		a.deleteCmd(),
		a.incrCmd(),
		a.watchCmd(),
		a.benchCmd(),
	)
	return root
}

// clientConfig builds the client configuration from flags and environment.
func (a *app) clientConfig() (couchcore.Config, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		return couchcore.Config{}, fmt.Errorf("invalid log level: %w", err)
	}

	config := couchcore.Config{
		Seeds:            splitList(a.v.GetStringSlice("seeds")),
		Bucket:           a.v.GetString("bucket"),
		Username:         a.v.GetString("username"),
		Password:         a.v.GetString("password"),
		OperationTimeout: a.v.GetDuration("timeout"),
		BootstrapTimeout: a.v.GetDuration("bootstrap-timeout"),
		MaxSize:          a.v.GetInt32("pool-size"),
		Logger:           slog.New(slog.NewTextHandler(errWriter, &slog.HandlerOptions{Level: level})),
	}
	if a.v.GetBool("tls") {
		config.TLS = &tls.Config{InsecureSkipVerify: a.v.GetBool("tls-skip-verify")}
	}
	return config, nil
}

// splitList accepts both repeated values and comma separated lists.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (a *app) connect(cmd *cobra.Command, _ []string) error {
	config, err := a.clientConfig()
	if err != nil {
		return err
	}

	a.client, err = couchcore.NewClient(config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), config.BootstrapTimeout)
	defer cancel()
	if _, err := a.client.WaitForMap(ctx); err != nil {
		a.close()
		return fmt.Errorf("no cluster map from %s: %w", strings.Join(config.Seeds, ","), err)
	}
	return nil
}

// close releases the client. The root command leaves it open so that
// subcommands can share it; the caller closes it after Execute.
func (a *app) close() {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}
