// Command certify is the operator CLI for the certification trust core. It
// inspects, verifies and archives the approval ledger, runs clock-integrity
// checks and manages the HMAC keystore. It never mints approval tokens.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/helm-certify/pkg/approval"
	"github.com/Mindburn-Labs/helm-certify/pkg/config"
	"github.com/Mindburn-Labs/helm-certify/pkg/keys"
	"github.com/Mindburn-Labs/helm-certify/pkg/ledger"
	"github.com/Mindburn-Labs/helm-certify/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError carries a specific process exit code. A verdict of "tampered" or
// "blocked" is 1; usage and I/O errors are 2.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func fail(format string, args ...any) error {
	return &exitError{code: 1, msg: fmt.Sprintf(format, args...)}
}

// Run is the testable entrypoint.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	_ = a.obs.Shutdown(context.Background())
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			_, _ = fmt.Fprintln(stderr, ee.msg)
		}
		return ee.code
	}
	_, _ = fmt.Fprintln(stderr, "Error:", err)
	return 2
}

type app struct {
	stdout, stderr io.Writer

	configPath   string
	ledgerPath   string
	dsn          string
	keystorePath string

	cfg    *config.Config
	logger *slog.Logger
	obs    *observability.Provider
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "certify",
		Short:         "Operate the helm-certify approval ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "path to YAML config file")
	pf.StringVar(&a.ledgerPath, "ledger", "", "JSONL ledger path (overrides config)")
	pf.StringVar(&a.dsn, "dsn", "", "SQL ledger DSN: postgres://... or sqlite://<file> (overrides --ledger)")
	pf.StringVar(&a.keystorePath, "keystore", "", "keystore path (overrides config)")

	root.AddCommand(
		newVerifyCmd(a),
		newClockCmd(a),
		newKeysCmd(a),
		newApprovalsCmd(a),
		newArchiveCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.ledgerPath != "" {
		cfg.Ledger.Path = a.ledgerPath
		cfg.Ledger.DSN = ""
	}
	if a.dsn != "" {
		cfg.Ledger.DSN = a.dsn
	}
	if a.keystorePath != "" {
		cfg.Keystore.Path = a.keystorePath
	}
	a.cfg = cfg

	lvl, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(a.logger)

	obs, err := observability.New(ctx, cfg.Observability())
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	a.obs = obs
	return nil
}

// openStore returns the configured ledger store and a close func.
func (a *app) openStore(ctx context.Context) (ledger.Store, func(), error) {
	if a.cfg.Ledger.DSN == "" {
		return ledger.NewFileStore(a.cfg.Ledger.Path), func() {}, nil
	}

	driver, source, err := parseDSN(a.cfg.Ledger.DSN)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	store := ledger.NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

func parseDSN(dsn string) (driver, source string, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), nil
	}
	return "", "", fmt.Errorf("unsupported dsn %q: want postgres:// or sqlite://", dsn)
}

// openLedger loads the ledger read-side. The verifier is the keystore signer
// when a keystore exists; the CLI never appends.
func (a *app) openLedger(ctx context.Context) (*ledger.Ledger, *approval.Signer, func(), error) {
	store, closeFn, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	var signer *approval.Signer
	km, err := keys.LoadKeystore(a.cfg.Keystore.Path)
	switch {
	case errors.Is(err, keys.ErrNoKeystore):
	case err != nil:
		closeFn()
		return nil, nil, nil, err
	default:
		signer = approval.NewSigner(km)
	}

	var verifier ledger.TokenVerifier
	if signer != nil {
		verifier = signer
	}
	l := ledger.New(store, verifier).WithLogger(a.logger).WithObservability(a.obs)
	if err := l.Load(ctx); err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return l, signer, closeFn, nil
}
