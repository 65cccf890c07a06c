package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/xessex/rewards/pkg/chain"
	"github.com/xessex/rewards/pkg/distribute"
	"github.com/xessex/rewards/pkg/epoch"
	"github.com/xessex/rewards/pkg/ledger"
	"github.com/xessex/rewards/pkg/metrics"
	"github.com/xessex/rewards/pkg/reconcile"
	"github.com/xessex/rewards/pkg/xess"
	"github.com/xessex/rewards/utils/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Postgres configuration
	postgresHostFlag := flag.String("postgres-host", "localhost", "Postgres host (or set POSTGRES_HOST env var)")
	postgresPortFlag := flag.String("postgres-port", "5432", "Postgres port (or set POSTGRES_PORT env var)")
	postgresDatabaseFlag := flag.String("postgres-database", "", "Postgres database name (or set POSTGRES_DB env var)")
	postgresUsernameFlag := flag.String("postgres-username", "", "Postgres username (or set POSTGRES_USER env var)")
	postgresPasswordFlag := flag.String("postgres-password", "", "Postgres password (or set POSTGRES_PASSWORD env var)")
	postgresSSLModeFlag := flag.String("postgres-sslmode", "disable", "Postgres sslmode (or set POSTGRES_SSLMODE env var)")

	// Solana configuration
	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC URL (or set SOLANA_RPC_URL env var)")
	programIDFlag := flag.String("program-id", "", "claim program address (or set CLAIM_PROGRAM_ID env var)")
	mintFlag := flag.String("mint", "", "XESS token mint address (or set XESS_MINT env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run ledger database migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show ledger database migration status")
	distributeFlag := flag.Bool("distribute", false, "Run the reward distribution for one payout period")
	buildEpochFlag := flag.Bool("build-epoch", false, "Build or rebuild a claim epoch from unclaimed rewards")
	markEpochOnChainFlag := flag.Bool("mark-epoch-onchain", false, "Flag an epoch as published after verifying the root")
	confirmClaimFlag := flag.Bool("confirm-claim", false, "Confirm a user's claim transaction against chain state")
	repairFalseClaimsFlag := flag.Bool("repair-false-claims", false, "Re-check unsigned claim stamps against on-chain receipts")

	// Distribute options
	periodKeyFlag := flag.String("period-key", "", "payout period key, e.g. 2026-01-05-P1")
	weekIndexFlag := flag.Int("week-index", 0, "zero-based week index into the emission schedule")
	forceFlag := flag.Bool("force", false, "re-run a completed period or reset a stale running batch")
	emissionOverrideFlag := flag.Int64("weekly-emission-override", 0, "weekly emission override in 6-decimal units (0 = schedule)")

	// Epoch options
	epochFlag := flag.Uint64("epoch", 0, "claim epoch number (0 with --build-epoch = pick next from db and chain)")
	weekKeyFlag := flag.String("week-key", "", "restrict the epoch build to one payout period")
	allWeeksFlag := flag.Bool("all-weeks", false, "build the epoch across all unclaimed weeks")
	rootFlag := flag.String("root", "", "published merkle root hex for --mark-epoch-onchain")
	maxScanFlag := flag.Int("max-scan", 0, "on-chain epoch scan limit (0 = default)")

	// Claim options
	userFlag := flag.String("user", "", "user id")
	walletFlag := flag.String("wallet", "", "claimer wallet address")
	txSigFlag := flag.String("tx-sig", "", "claim transaction signature")
	applyFlag := flag.Bool("apply", false, "write repairs instead of the default dry run")

	flag.Parse()

	// Missing .env is fine; env vars may come from the environment.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	// Override Postgres flags with environment variables if set
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		*postgresHostFlag = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		*postgresPortFlag = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		*postgresDatabaseFlag = v
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		*postgresUsernameFlag = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		*postgresPasswordFlag = v
	}
	if v := os.Getenv("POSTGRES_SSLMODE"); v != "" {
		*postgresSSLModeFlag = v
	}

	// Override Solana flags with environment variables if set
	if v := os.Getenv("SOLANA_RPC_URL"); v != "" {
		*rpcURLFlag = v
	}
	if v := os.Getenv("CLAIM_PROGRAM_ID"); v != "" {
		*programIDFlag = v
	}
	if v := os.Getenv("XESS_MINT"); v != "" {
		*mintFlag = v
	}

	if *postgresDatabaseFlag == "" || *postgresUsernameFlag == "" {
		return fmt.Errorf("--postgres-database and --postgres-username are required")
	}
	poolCfg := ledger.PoolConfig{
		Host:     *postgresHostFlag,
		Port:     *postgresPortFlag,
		Database: *postgresDatabaseFlag,
		Username: *postgresUsernameFlag,
		Password: *postgresPasswordFlag,
		SSLMode:  *postgresSSLModeFlag,
	}

	ctx := context.Background()

	if *migrateFlag {
		return ledger.Migrate(poolCfg.ConnString())
	}
	if *migrateStatusFlag {
		return ledger.MigrationStatus(poolCfg.ConnString())
	}

	newStore := func() (*ledger.Store, func(), error) {
		pool, err := ledger.NewPool(ctx, poolCfg.ConnString())
		if err != nil {
			return nil, nil, err
		}
		store, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Pool: pool})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}

	newObserver := func() (*chain.RPCObserver, chain.Program, error) {
		if *rpcURLFlag == "" {
			return nil, chain.Program{}, fmt.Errorf("--rpc-url is required")
		}
		if *programIDFlag == "" {
			return nil, chain.Program{}, fmt.Errorf("--program-id is required")
		}
		program, err := chain.NewProgram(*programIDFlag)
		if err != nil {
			return nil, chain.Program{}, fmt.Errorf("invalid --program-id: %w", err)
		}
		observer, err := chain.NewRPCObserver(chain.ObserverConfig{
			Logger: log,
			RPC:    solanarpc.New(*rpcURLFlag),
		})
		if err != nil {
			return nil, chain.Program{}, err
		}
		return observer, program, nil
	}

	if *distributeFlag {
		if *periodKeyFlag == "" {
			return fmt.Errorf("--period-key is required for --distribute")
		}
		store, closePool, err := newStore()
		if err != nil {
			return err
		}
		defer closePool()

		d, err := distribute.New(distribute.Config{Logger: log, Store: store})
		if err != nil {
			return err
		}
		res, err := d.Run(ctx, distribute.RunRequest{
			PeriodKey:              *periodKeyFlag,
			WeekIndex:              *weekIndexFlag,
			Force:                  *forceFlag,
			WeeklyEmissionOverride: xess.Amount6(*emissionOverrideFlag),
		})
		if err != nil {
			return err
		}
		log.Info("distribution finished",
			"outcome", res.Outcome, "period", res.PeriodKey,
			"users", res.TotalUsers, "total", res.TotalAmount6.Format())
		return nil
	}

	if *buildEpochFlag {
		if *weekKeyFlag == "" && !*allWeeksFlag {
			return fmt.Errorf("--week-key or --all-weeks is required for --build-epoch")
		}
		store, closePool, err := newStore()
		if err != nil {
			return err
		}
		defer closePool()

		builder, err := epoch.NewBuilder(epoch.Config{Logger: log, Store: store})
		if err != nil {
			return err
		}

		epochNum := *epochFlag
		if epochNum == 0 {
			observer, program, err := newObserver()
			if err != nil {
				return fmt.Errorf("picking the next epoch needs chain access: %w", err)
			}
			epochNum, err = builder.NextEpochNumber(ctx, observer, program, *maxScanFlag)
			if err != nil {
				return err
			}
			log.Info("picked next epoch", "epoch", epochNum)
		}

		res, err := builder.Build(ctx, epoch.BuildRequest{
			Epoch:    epochNum,
			WeekKey:  *weekKeyFlag,
			AllWeeks: *allWeeksFlag,
		})
		if err != nil {
			return err
		}
		log.Info("epoch build finished",
			"outcome", res.Outcome, "epoch", res.Epoch, "root", res.RootHex,
			"leaves", res.LeafCount, "total", res.TotalAtomic9.Format())
		return nil
	}

	if *markEpochOnChainFlag {
		if *epochFlag == 0 || *rootFlag == "" {
			return fmt.Errorf("--epoch and --root are required for --mark-epoch-onchain")
		}
		store, closePool, err := newStore()
		if err != nil {
			return err
		}
		defer closePool()

		builder, err := epoch.NewBuilder(epoch.Config{Logger: log, Store: store})
		if err != nil {
			return err
		}
		if err := builder.MarkOnChain(ctx, *epochFlag, *rootFlag); err != nil {
			return err
		}
		log.Info("epoch marked on-chain", "epoch", *epochFlag)
		return nil
	}

	if *confirmClaimFlag || *repairFalseClaimsFlag {
		if *mintFlag == "" {
			return fmt.Errorf("--mint is required")
		}
		mint, err := solana.PublicKeyFromBase58(*mintFlag)
		if err != nil {
			return fmt.Errorf("invalid --mint: %w", err)
		}
		observer, program, err := newObserver()
		if err != nil {
			return err
		}
		store, closePool, err := newStore()
		if err != nil {
			return err
		}
		defer closePool()

		svc, err := reconcile.New(reconcile.Config{
			Logger:   log,
			Store:    store,
			Observer: observer,
			Program:  program,
			Mint:     mint,
		})
		if err != nil {
			return err
		}

		if *confirmClaimFlag {
			if *epochFlag == 0 || *userFlag == "" || *walletFlag == "" {
				return fmt.Errorf("--epoch, --user and --wallet are required for --confirm-claim")
			}
			res, err := svc.ConfirmClaim(ctx, reconcile.ConfirmRequest{
				Epoch:  *epochFlag,
				UserID: *userFlag,
				Wallet: *walletFlag,
				TxSig:  *txSigFlag,
			})
			if err != nil {
				return err
			}
			log.Info("claim confirmation finished",
				"outcome", res.Outcome, "amount", res.Amount9.Format(), "events", res.EventsStamped)
			return nil
		}

		res, err := svc.RepairFalseClaims(ctx, reconcile.RepairOptions{
			DryRun: !*applyFlag,
			UserID: *userFlag,
		})
		if err != nil {
			return err
		}
		log.Info("false claim sweep finished",
			"candidates", res.Candidates, "kept", res.Kept, "reset", res.Reset,
			"dry_run", !*applyFlag)
		return nil
	}

	flag.Usage()
	return nil
}
