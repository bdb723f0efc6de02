// Command toolpipe lists and calls tools on a configured stdio server
// through a connection pool.
//
//	toolpipe -config toolpipe.yaml -server echo list
//	toolpipe -config toolpipe.yaml -server echo -repeat 6 call echo '{"text":"hi"}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/shaharia-lab/toolpipe/config"
	"github.com/shaharia-lab/toolpipe/mcp"
	"github.com/shaharia-lab/toolpipe/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "toolpipe:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "toolpipe.yaml", "path to the config file")
	serverName := flag.String("server", "", "configured server to use (defaults to the only one)")
	repeat := flag.Int("repeat", 1, "number of concurrent calls to spread over the pool")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] list | ping | call <tool> [json-arguments]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := newZapLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := observability.NewZapLogger(zl)

	name := *serverName
	if name == "" {
		names := cfg.ServerNames()
		if len(names) != 1 {
			return fmt.Errorf("-server is required when %d servers are configured", len(names))
		}
		name = names[0]
	}

	poolConfig, err := cfg.PoolConfig(name, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := mcp.NewPool(poolConfig)
	if err := pool.Initialize(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", name, err)
	}
	defer func() {
		if err := pool.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.WithErr(err).Warn("Pool shutdown reported errors")
		}
	}()

	switch args[0] {
	case "list":
		return pool.Execute(ctx, func(ctx context.Context, m *mcp.PoolMember) error {
			tools, err := m.Client.ListTools(ctx)
			if err != nil {
				return err
			}
			for _, tool := range tools {
				fmt.Printf("%s\t%s\n", tool.Name, tool.Description)
			}
			return nil
		})
	case "ping":
		return pool.Execute(ctx, func(ctx context.Context, m *mcp.PoolMember) error {
			return m.Client.Ping(ctx)
		})
	case "call":
		if len(args) < 2 {
			return errors.New("call requires a tool name")
		}
		var arguments json.RawMessage
		if len(args) > 2 {
			arguments = json.RawMessage(args[2])
			if !json.Valid(arguments) {
				return fmt.Errorf("arguments are not valid JSON: %s", args[2])
			}
		}
		return callRepeated(ctx, pool, args[1], arguments, *repeat)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func callRepeated(ctx context.Context, pool *mcp.Pool, tool string, arguments json.RawMessage, repeat int) error {
	if repeat < 1 {
		repeat = 1
	}

	results := make([]string, repeat)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < repeat; i++ {
		i := i
		g.Go(func() error {
			return pool.Execute(gctx, func(ctx context.Context, m *mcp.PoolMember) error {
				var args interface{}
				if arguments != nil {
					args = arguments
				}
				result, err := m.Client.CallTool(ctx, tool, args)
				if err != nil {
					return err
				}
				out, err := json.Marshal(result)
				if err != nil {
					return err
				}
				results[i] = fmt.Sprintf("[member %d] %s", m.Index, out)
				return nil
			})
		})
	}
	err := g.Wait()

	for _, line := range results {
		if line != "" {
			fmt.Println(line)
		}
	}

	var remote *mcp.RemoteToolError
	if errors.As(err, &remote) {
		return fmt.Errorf("tool %s failed with code %d: %s %s", tool, remote.Code, remote.Message, string(remote.Data))
	}
	return err
}

func newZapLogger(level string) (*zap.Logger, error) {
	parsed, err := observability.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	lvl := map[observability.Level]zapcore.Level{
		observability.LevelDebug: zapcore.DebugLevel,
		observability.LevelInfo:  zapcore.InfoLevel,
		observability.LevelWarn:  zapcore.WarnLevel,
		observability.LevelError: zapcore.ErrorLevel,
	}[parsed]

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
