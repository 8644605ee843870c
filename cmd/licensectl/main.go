// Package main implements licensectl, the operator CLI for the OmniFM
// entitlement engine. It talks directly to the configured license store, so
// it works even when the API server is down.
//
// Usage:
//
//	licensectl create --tier=pro --months=12 --seats=2 [--server=ID] [--email=ADDR] [--note=TEXT] [--legacy]
//	licensectl renew --id=KEY --tier=pro --months=6
//	licensectl upgrade --id=KEY --tier=ultimate
//	licensectl link --id=KEY --server=ID
//	licensectl unlink --id=KEY --server=ID
//	licensectl check --id=KEY-or-serverID
//	licensectl list
//	licensectl price --tier=pro --months=14 --seats=1
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"omnifm/internal/catalog"
	"omnifm/internal/config"
	"omnifm/internal/license"
	"omnifm/internal/pricing"
	"omnifm/internal/store"
	"omnifm/internal/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: licensectl <create|renew|upgrade|link|unlink|check|list|price> [flags]")
	fmt.Fprintln(os.Stderr, "run 'licensectl <command> -h' for command flags")
}

// app bundles the components every subcommand needs.
type app struct {
	store    store.Store
	catalog  catalog.Catalog
	pricing  *pricing.Engine
	resolver *license.Resolver
	manager  *license.Manager
	cleanup  func()
}

func run(command string, args []string) error {
	if command == "-h" || command == "--help" || command == "help" {
		usage()
		return nil
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// The CLI logs to stderr in text form; stdout is reserved for results.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch command {
	case "create":
		return a.create(ctx, args)
	case "renew":
		return a.renew(ctx, args)
	case "upgrade":
		return a.upgrade(ctx, args)
	case "link":
		return a.link(ctx, args)
	case "unlink":
		return a.unlink(ctx, args)
	case "check":
		return a.check(ctx, args)
	case "list":
		return a.list(ctx)
	case "price":
		return a.price(args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	var (
		st      store.Store
		cleanup = func() {}
	)

	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		st = store.NewMemoryStore()
	case config.StoreBackendFile:
		fs, err := store.NewFileStore(cfg.Store.FilePath)
		if err != nil {
			return nil, err
		}
		st = fs
	case config.StoreBackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		st = pg
		cleanup = pool.Close
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	cat := catalog.NewStaticCatalog()
	engine := pricing.NewEngineWithDiscount(cat, cfg.Licensing.YearlyDiscountMonths)

	return &app{
		store:    st,
		catalog:  cat,
		pricing:  engine,
		resolver: license.NewResolver(st, cat, logger),
		manager: license.NewManager(st, cat, engine, logger,
			license.WithKeyPrefix(cfg.Licensing.KeyPrefix)),
		cleanup: cleanup,
	}, nil
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	tier := fs.String("tier", "", "tier to grant (pro/ultimate)")
	months := fs.Int("months", 1, "duration in 30-day months")
	seats := fs.Int("seats", 1, "seat bundle size (1/2/3/5)")
	server := fs.String("server", "", "server id to link immediately (optional)")
	email := fs.String("email", "", "owner contact email (optional)")
	note := fs.String("note", "", "audit note (optional)")
	legacy := fs.Bool("legacy", false, "key the record by the server id instead of minting a key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lic, err := a.manager.Activate(ctx, license.ActivateParams{
		ContactEmail: *email,
		ServerID:     *server,
		LegacyKeyed:  *legacy,
		Tier:         types.Tier(*tier),
		Months:       *months,
		Seats:        *seats,
		Provenance:   types.ProvenanceAdminCLI,
		Note:         *note,
	})
	if err != nil {
		return err
	}
	return printJSON(lic.Record(), lic.ID)
}

func (a *app) renew(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("renew", flag.ExitOnError)
	id := fs.String("id", "", "license key or legacy server id")
	tier := fs.String("tier", "", "tier to renew as (pro/ultimate)")
	months := fs.Int("months", 1, "duration in 30-day months")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lic, err := a.manager.Renew(ctx, *id, types.Tier(*tier), *months, types.ProvenanceAdminCLI, "")
	if err != nil {
		return err
	}
	return printJSON(lic.Record(), lic.ID)
}

func (a *app) upgrade(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	id := fs.String("id", "", "license key or legacy server id")
	tier := fs.String("tier", "", "target tier")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lic, err := a.manager.Upgrade(ctx, *id, types.Tier(*tier))
	if err != nil {
		return err
	}
	return printJSON(lic.Record(), lic.ID)
}

func (a *app) link(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	id := fs.String("id", "", "license key")
	server := fs.String("server", "", "server id to link")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lic, err := a.manager.LinkServer(ctx, *id, *server)
	if err != nil {
		return err
	}
	return printJSON(lic.Record(), lic.ID)
}

func (a *app) unlink(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("unlink", flag.ExitOnError)
	id := fs.String("id", "", "license key")
	server := fs.String("server", "", "server id to unlink")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lic, err := a.manager.UnlinkServer(ctx, *id, *server)
	if err != nil {
		return err
	}
	return printJSON(lic.Record(), lic.ID)
}

func (a *app) check(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	id := fs.String("id", "", "license key or server id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if types.IsServerID(*id) {
		check, err := a.resolver.CheckEntitlement(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(check, "")
	}

	view, err := a.resolver.LicenseInfo(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(view, "")
}

func (a *app) list(ctx context.Context) error {
	lics, err := a.manager.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(lics, func(i, j int) bool { return lics[i].ID < lics[j].ID })

	now := time.Now().UTC()
	for _, lic := range lics {
		state := "active"
		if lic.ExpiredAt(now) {
			state = "expired"
		}
		fmt.Printf("%-24s %-9s seats=%d/%d %-8s expires=%s\n",
			lic.ID, lic.Tier, lic.SeatsUsed(), lic.Seats, state,
			lic.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("%d license(s)\n", len(lics))
	return nil
}

func (a *app) price(args []string) error {
	fs := flag.NewFlagSet("price", flag.ExitOnError)
	tier := fs.String("tier", "", "tier to price (pro/ultimate)")
	months := fs.Int("months", 1, "duration in 30-day months")
	seats := fs.Int("seats", 1, "seat bundle size (1/2/3/5)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	amount, err := a.pricing.PurchasePrice(types.Tier(*tier), *months, *seats)
	if err != nil {
		return err
	}
	fmt.Printf("%s x %d month(s) x %d seat(s) = %d.%02d EUR\n",
		*tier, *months, *seats, amount/100, amount%100)
	return nil
}

// printJSON writes a result document to stdout, prefixed with the license id
// when one is relevant.
func printJSON(v any, id string) error {
	if id != "" {
		fmt.Printf("license: %s\n", id)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
