// Command relay runs the outbox dispatcher against the configured store and
// broker until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3rs4lg4d0/relaybox/internal/config"
	rbxzrlg "github.com/3rs4lg4d0/relaybox/logger/zerolog"
	rbxtally "github.com/3rs4lg4d0/relaybox/metrics/tally"
	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"
	"golang.org/x/sync/errgroup"
)

// txKey is the context key of the business transactions.
type txKey struct{}

const deadLetterWatchInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "path of the YAML configuration file")
	listDeadLetters := flag.Bool("dead-letters", false, "list the dead lettered records and exit")
	requeue := flag.Int64("requeue", 0, "move the given dead lettered record back to pending and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := GetLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *listDeadLetters, *requeue); err != nil {
		logger.Error("relay failed", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *rbxzrlg.Logger, listDeadLetters bool, requeue int64) error {
	repo, closeStore, err := openStore(ctx, cfg.Store, txKey{})
	if err != nil {
		return err
	}
	defer closeStore()

	if listDeadLetters || requeue != 0 {
		box := rbx.New(rbx.Settings{}, repo, nil, rbx.WithLogger(logger))
		return operate(ctx, box, listDeadLetters, requeue)
	}

	emitter, closeBroker, err := openBroker(cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	scope, closeScope := tally.NewRootScope(tally.ScopeOptions{Prefix: "relaybox"}, time.Second)
	defer closeScope.Close()
	counters := rbxtally.NewCounters(scope)

	box := rbx.New(cfg.Relay.Settings(), repo, emitter,
		rbx.WithLogger(logger),
		rbx.WithCounters(counters.Delivered, counters.Failed),
		rbx.WithOnDeadLetterCounter(counters.DeadLettered),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := box.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		logger.Info("stopping the relay")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout())
		defer cancel()
		return box.Stop(stopCtx)
	})
	g.Go(func() error {
		watchDeadLetters(gctx, box, logger)
		return nil
	})
	return g.Wait()
}

// watchDeadLetters periodically warns about the records waiting for an operator.
func watchDeadLetters(ctx context.Context, box *rbx.Relaybox, logger rbx.Logger) {
	ticker := time.NewTicker(deadLetterWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, err := box.DeadLetters(ctx, 100)
			if err != nil {
				logger.Error("listing the dead letters", err)
				continue
			}
			if len(records) > 0 {
				logger.Warn(fmt.Sprintf("%d records are dead lettered (oldest: %d)", len(records), records[0].Id))
			}
		}
	}
}

func operate(ctx context.Context, box *rbx.Relaybox, listDeadLetters bool, requeue int64) error {
	if requeue != 0 {
		ok, err := box.Requeue(ctx, requeue)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record %d is not dead lettered", requeue)
		}
		fmt.Printf("record %d requeued\n", requeue)
	}
	if listDeadLetters {
		records, err := box.DeadLetters(ctx, 1000)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%d\t%s\t%s\t%s\tattempts=%d\t%s\n",
				r.Id, r.AggregateType, r.AggregateId, r.EventType, r.AttemptCount, r.LastError)
		}
	}
	return nil
}

func GetLogger(level string) *rbxzrlg.Logger {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	return rbxzrlg.NewConsole(os.Stdout, l)
}
