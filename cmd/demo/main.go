// Command demo creates two users against an in-memory SQLite database and
// prints the events relayed to an in-process broker, whose first send fails.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/3rs4lg4d0/relaybox/consumer"
	"github.com/3rs4lg4d0/relaybox/emitter/memory"
	"github.com/3rs4lg4d0/relaybox/internal/user"
	"github.com/3rs4lg4d0/relaybox/internal/user/sqlstore"
	rbxzrlg "github.com/3rs4lg4d0/relaybox/logger/zerolog"
	"github.com/3rs4lg4d0/relaybox/migrations"
	"github.com/3rs4lg4d0/relaybox/rbx"
	rbxsql "github.com/3rs4lg4d0/relaybox/repository/sql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type txKey struct{}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := rbxzrlg.NewConsole(os.Stdout, zerolog.DebugLevel)
	if err := run(ctx, logger); err != nil {
		logger.Error("demo failed", err)
		stop()
		os.Exit(1)
	}
	fmt.Println("End!")
}

func run(ctx context.Context, logger rbx.Logger) error {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := migrations.Apply(ctx, db, migrations.SQLite); err != nil {
		return err
	}

	broker := memory.NewBroker()
	broker.FailNext(1)
	box := rbx.New(rbx.Settings{
		EnableDispatcher: true,
		PollingInterval:  500 * time.Millisecond,
		BackoffBase:      time.Second,
	}, rbxsql.New(txKey{}, db, false), broker, rbx.WithLogger(logger))
	users := user.NewService(box, sqlstore.New(txKey{}, db, false))

	toCreate := []user.User{{Id: 1, Name: "newUser1"}, {Id: 2, Name: "newUser2"}}
	var wg sync.WaitGroup
	wg.Add(len(toCreate))

	topic := rbx.TopicFor(user.UserCreatedEvent)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.Subscribe(gctx, topic, consumer.Idempotent(
			consumer.NewMemoryStore(),
			func(_ context.Context, m *rbx.Message) error {
				fmt.Printf("Received packet: id=%d aggregate=%s/%s event=%s payload=%s\n",
					m.Id, m.AggregateType, m.AggregateId, m.EventType, m.Payload)
				wg.Done()
				return nil
			},
			consumer.WithLogger(logger),
		))
	})
	for broker.Subscribers(topic) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := users.Create(ctx, toCreate...); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		if err := box.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		return box.Stop(stopCtx)
	})
	go func() {
		wg.Wait()
		cancel()
	}()
	return g.Wait()
}
