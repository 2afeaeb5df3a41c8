package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trolleyworks/trolley"
)

type options struct {
	Backend  string `env:"TROLLEY_BACKEND" envDefault:"memory"`
	BoltPath string `env:"TROLLEY_BOLT_PATH"`
	Redis    string `env:"TROLLEY_REDIS_ADDR" envDefault:"localhost:6379"`
	Postgres string `env:"TROLLEY_POSTGRES_DSN"`
}

func main() {
	ctx := context.Background()

	var opts options
	if err := env.Parse(&opts); err != nil {
		log.Fatal(err)
	}
	cfg, err := trolley.FromEnv()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openLog(ctx, opts, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	engine := trolley.New(store, cfg, trolley.WithLogger(logger))
	defer func() { _ = engine.Close() }()

	cartID := trolley.EntityID("cart-" + uuid.NewString())
	fmt.Printf("Running demo session for %s\n", cartID)

	steps := []trolley.Command{
		trolley.AddItem{ItemID: "sku-laptop", Quantity: 1},
		trolley.AddItem{ItemID: "sku-mouse", Quantity: 2},
		trolley.AdjustQuantity{ItemID: "sku-mouse", Quantity: 3},
		trolley.RemoveItem{ItemID: "sku-laptop"},
		trolley.Checkout{},
	}

	for _, cmd := range steps {
		summary, err := engine.Submit(ctx, cartID, cmd)
		if err != nil {
			fmt.Printf("%T rejected: %v\n", cmd, err)
			continue
		}
		fmt.Printf("%T -> items=%v checkedOut=%v\n",
			cmd, summary.Items, summary.CheckedOut)
	}

	summary, err := engine.Get(ctx, cartID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Final state: items=%v checkedOut=%v\n",
		summary.Items, summary.CheckedOut)
}

func openLog(
	ctx context.Context, opts options, cfg trolley.Config,
) (trolley.Log, func(), error) {
	switch opts.Backend {
	case "memory":
		return trolley.NewMemoryLog(cfg.SnapshotKeep), func() {}, nil

	case "bolt":
		path := opts.BoltPath
		if path == "" {
			path = filepath.Join(os.TempDir(), "trolley.db")
		}
		store, err := trolley.NewBoltLog(path, cfg.SnapshotKeep)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case "redis":
		rcfg := trolley.DefaultRedisConfig()
		rcfg.Addr = opts.Redis
		rcfg.Keep = cfg.SnapshotKeep
		store, err := trolley.NewRedisLog(ctx, rcfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case "postgres":
		store, err := trolley.NewPostgresLog(
			ctx, opts.Postgres, cfg.SnapshotKeep,
		)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}
