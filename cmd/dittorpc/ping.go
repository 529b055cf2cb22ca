package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittorpc/internal/programs"
	"github.com/marmos91/dittorpc/pkg/rpcclnt"
	"github.com/marmos91/dittorpc/pkg/transport"
)

var pingArgs struct {
	host    string
	port    int
	socket  string
	count   int
	timeout time.Duration
}

var pingCmd = &cobra.Command{
	Use:   "ping [program [version]]",
	Short: "call the NULL procedure of a program",
	Example: `  dittorpc ping --host 10.0.0.5
  dittorpc ping --port 24007 100000 2`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, vers := uint32(programs.EchoProgram), uint32(programs.EchoVersion)
		if len(args) > 0 {
			v, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return fmt.Errorf("bad program number %q: %w", args[0], err)
			}
			prog = uint32(v)
		}
		if len(args) > 1 {
			v, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return fmt.Errorf("bad version %q: %w", args[1], err)
			}
			vers = uint32(v)
		}

		opts := transport.Options{
			Type:       transport.TypeTCP,
			RemoteHost: pingArgs.host,
			RemotePort: pingArgs.port,
		}
		if pingArgs.socket != "" {
			opts = transport.Options{Type: transport.TypeUnix, SocketPath: pingArgs.socket}
		}

		ctx, cancel := context.WithTimeout(context.Background(), pingArgs.timeout)
		defer cancel()
		c, err := rpcclnt.Dial(ctx, rpcclnt.Options{Transport: opts, PingTimeout: pingArgs.timeout})
		if err != nil {
			return err
		}
		defer c.Close()

		for i := 0; i < pingArgs.count; i++ {
			rtt, err := c.Ping(ctx, prog, vers)
			if err != nil {
				return fmt.Errorf("%s: %w", c, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: program %d version %d ready, time=%v\n", c, prog, vers, rtt)
		}
		return nil
	},
}

func init() {
	f := pingCmd.Flags()
	f.StringVar(&pingArgs.host, "host", "localhost", "server host")
	f.IntVar(&pingArgs.port, "port", transport.DefaultPort, "server port")
	f.StringVar(&pingArgs.socket, "socket", "", "unix socket path, instead of host and port")
	f.IntVarP(&pingArgs.count, "count", "c", 1, "number of calls")
	f.DurationVar(&pingArgs.timeout, "timeout", 10*time.Second, "overall timeout")
}
