package main

import (
	"context"
	"io"
	"net/http"
	_ "net/http/pprof" //nolint:gosec
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
)

type CLI struct {
	Bench       BenchCommand      `cmd:"" help:"Run paced unary calls and report the outcomes."`
	Status      StatusCommand     `cmd:"" help:"Look up status codes by name or number."`
	Man         mangokong.ManFlag `help:"Write man page." hidden:""`
	DebugServer string            `help:"Serve pprof on this address (e.g. :8081)." placeholder:"ADDR"`
}

func (c *CLI) AfterApply() error {
	if c.DebugServer != "" {
		go func() {
			http.ListenAndServe(c.DebugServer, nil) //nolint:errcheck,gosec
		}()
	}
	return nil
}

func parser(cli *CLI, ctx context.Context, out io.Writer, opts ...kong.Option) (*kong.Kong, error) {
	return kong.New(cli, append([]kong.Option{
		kong.Name("rpccore"),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.BindTo(out, (*io.Writer)(nil)),
		kong.Groups(map[string]string{
			"rps": `Rate flags:`,
		}),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`asynchronous rpc call core

rpccore drives calls through completion queues over an in-process or HTTP/2 transport.
		`),
	}, opts...)...)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	k, err := parser(&cli, ctx, os.Stdout)
	if err != nil {
		panic(err)
	}
	kongCtx, err := k.Parse(os.Args[1:])
	k.FatalIfErrorf(err)
	kongCtx.FatalIfErrorf(kongCtx.Run())
}
