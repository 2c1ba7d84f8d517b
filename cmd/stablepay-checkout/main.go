// Command stablepay-checkout runs one checkout headlessly with the wallets
// configured under wallet.*, or reports the settlement state of a user's
// escrows.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"

	"github.com/vitwit/stablepay"
	"github.com/vitwit/stablepay/checkout"
	"github.com/vitwit/stablepay/config"
	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/metrics"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/settlement"
	"github.com/vitwit/stablepay/tracing"
	"github.com/vitwit/stablepay/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "stablepay-checkout:", err)
		os.Exit(1)
	}
}

type flags struct {
	configName string
	configDir  string
	params     checkout.Params
	wallet     string
	pay        bool
	escrowsOf  string
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("stablepay-checkout", pflag.ContinueOnError)
	fs.StringVar(&f.configName, "config", "stablepay", "config file name without extension")
	fs.StringVar(&f.configDir, "config-dir", "", "directory holding the config file (default ./config then .)")
	fs.StringVar(&f.params.PaymentID, "payment-id", "", "backend payment id")
	fs.StringVar(&f.params.Ref, "ref", "", "payment link slug")
	fs.StringVar(&f.params.Amount, "amount", "", "fiat amount when no payment id or slug is given")
	fs.StringVar(&f.params.Currency, "currency", "NGN", "fiat currency")
	chain := fs.String("chain", "", "network: ethereum, base, arbitrum, tron or solana")
	token := fs.String("token", "USDT", "stablecoin: USDT or USDC")
	fs.StringVar(&f.params.Email, "email", "", "customer email")
	fs.StringVar(&f.params.Desc, "desc", "", "payment description")
	fs.StringVar(&f.wallet, "wallet", "", "wallet kind (default: first wallet of the chain)")
	fs.BoolVar(&f.pay, "pay", false, "submit the payment; otherwise only print the quote")
	fs.StringVar(&f.escrowsOf, "escrows-of", "", "print the escrows created by this address on --chain and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.params.Chain = types.ChainKey(*chain)
	f.params.Token = types.TokenSymbol(*token)
	f.params = f.params.Normalize()
	return f, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	var paths []string
	if f.configDir != "" {
		paths = append(paths, f.configDir)
	}
	cfg, err := config.Load(f.configName, paths...)
	if err != nil {
		return err
	}

	log := logger.NewZapLoggerWithSyncer(cfg.Log.Service, cfg.Log.Level, zapcore.AddSync(os.Stderr))
	if z, ok := log.(*logger.ZapLogger); ok {
		defer func() { _ = z.Sync() }()
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Writer:      tracingWriter(cfg),
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	opts := []stablepay.Option{stablepay.WithLogger(log)}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts = append(opts, stablepay.WithMetrics(metrics.NewPrometheusRecorder(reg)))
		stopMetrics := serveMetrics(cfg.Metrics.Addr, reg, log)
		defer stopMetrics()
	}

	providers, err := stablepay.KeyWallets(ctx, cfg, log)
	if err != nil {
		return err
	}
	gw, err := stablepay.New(cfg, providers, opts...)
	if err != nil {
		return err
	}
	defer gw.Close()

	if f.escrowsOf != "" {
		return printEscrows(ctx, gw, f.params.Chain, f.escrowsOf, out)
	}
	return checkoutOnce(ctx, gw, f, out)
}

func tracingWriter(cfg *config.Config) io.Writer {
	if cfg.Tracing.Stdout {
		return os.Stderr
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("metrics listening", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", map[string]any{"error": err})
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func checkoutOnce(ctx context.Context, gw *stablepay.Gateway, f *flags, out io.Writer) error {
	session := gw.NewSession()
	defer session.Close()

	if err := session.Resolve(ctx, f.params); err != nil {
		return err
	}
	if session.Step() == checkout.StepInitial && session.State().Chain == "" {
		return types.NewError(types.ErrInvalidRequest, "--chain is required")
	}
	if err := session.Begin(); err != nil {
		return err
	}

	kind := types.WalletKind(f.wallet)
	if kind == "" {
		kind = defaultWallet(gw.Registry(), session.State().Chain)
	}
	if err := session.ConnectWallet(ctx, kind); err != nil {
		return err
	}

	if !f.pay {
		return writeJSON(out, session.State())
	}
	if _, err := session.Pay(ctx); err != nil {
		_ = writeJSON(out, session.State())
		return err
	}
	return writeJSON(out, session.State())
}

func defaultWallet(reg *registry.Registry, chain types.ChainKey) types.WalletKind {
	wallets := reg.WalletsForChain(chain)
	if len(wallets) == 0 {
		return ""
	}
	return wallets[0].Kind
}

type escrowReport struct {
	Chain   types.ChainKey        `json:"chain"`
	User    string                `json:"user"`
	Summary settlement.Summary    `json:"summary"`
	Escrows []*types.EscrowRecord `json:"escrows"`
	Errors  []string              `json:"errors,omitempty"`
}

func printEscrows(ctx context.Context, gw *stablepay.Gateway, chain types.ChainKey, user string, out io.Writer) error {
	if chain == "" {
		return types.NewError(types.ErrInvalidRequest, "--chain is required with --escrows-of")
	}
	results, err := gw.Settlement().ForUser(ctx, chain, user)
	if err != nil {
		return err
	}

	report := escrowReport{Chain: chain, User: user, Summary: settlement.Summarize(results)}
	for _, r := range results {
		if r.Err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("escrow %s: %v", r.ID, r.Err))
			continue
		}
		report.Escrows = append(report.Escrows, r.Record)
	}
	return writeJSON(out, report)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
