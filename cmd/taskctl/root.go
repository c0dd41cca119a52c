package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/taskworker/internal/host"
)

type options struct {
	network string
	address string
	worker  string
	admin   string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "taskctl",
		Short: "Run tasks on a task worker",
		Long: `taskctl talks to a task worker.

With --network stdio (the default) it spawns the worker binary given by
--worker and speaks to it over the child's stdin and stdout. With unix, tcp,
vsock or firecracker it dials --address instead.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.network, "network", "stdio", "stdio, unix, tcp, vsock or firecracker")
	flags.StringVar(&opts.address, "address", "", "worker address (vsock: cid:port, firecracker: uds-path:port)")
	flags.StringVar(&opts.worker, "worker", "taskworker", "worker binary to spawn for the stdio network")
	flags.StringVar(&opts.admin, "admin", "http://127.0.0.1:9090", "worker admin server base URL")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "deadline for connecting and running a task")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newTasksCmd(opts))
	return root
}

// connect spawns or dials a worker according to opts.
func (o *options) connect(ctx context.Context) (*host.Worker, error) {
	if o.network == "stdio" {
		return host.Spawn(ctx, o.worker)
	}
	if o.address == "" {
		return nil, fmt.Errorf("--address is required for network %s", o.network)
	}
	return host.Dial(ctx, o.network, o.address)
}
