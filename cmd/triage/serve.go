package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cognicore/triage/internal/source"
	"github.com/cognicore/triage/pkg/triage/config"
	"github.com/cognicore/triage/pkg/triage/store"
)

var (
	serveSubject     string
	serveQueue       string
	serveMetricsAddr string
	serveDebounce    time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Triage documents arriving on a NATS subject",
	Long: `Subscribe to a NATS subject carrying one JSON document per message and
triage each one. Configuration and vocabulary files are watched and
reloaded without a restart; metrics are served for Prometheus.

Examples:
  triage serve -c triage.yaml --subject news.normalized --metrics-addr :9102`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSubject, "subject", "triage.ingest", "subject to consume documents from")
	serveCmd.Flags().StringVar(&serveQueue, "queue", "triage", "queue group shared by replicas")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":9102", "metrics listen address, empty disables")
	serveCmd.Flags().DurationVar(&serveDebounce, "reload-debounce", 500*time.Millisecond, "quiet period before a changed file is reloaded")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.Close()

	nc, err := nats.Connect(a.cfg.Sink.URL,
		nats.Name(a.cfg.Sink.Name+"-ingest"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return err
	}
	defer nc.Drain()

	msgs := make(chan *nats.Msg, a.cfg.Workers*4)
	sub, err := nc.ChanQueueSubscribe(serveSubject, serveQueue, msgs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	watcher, err := config.NewWatcher(a.watched(), a.reload, serveDebounce, a.logger.Named("watcher"))
	if err != nil {
		return err
	}
	defer watcher.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(watcher.Run(ctx)) })
	if serveMetricsAddr != "" {
		srv := &http.Server{Addr: serveMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	for range a.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-msgs:
					a.handle(ctx, msg)
				}
			}
		})
	}

	a.logger.Info("consuming documents",
		zap.String("subject", serveSubject),
		zap.String("queue", serveQueue),
		zap.Int("workers", a.cfg.Workers),
	)
	return ignoreCanceled(g.Wait())
}

func (a *app) handle(ctx context.Context, msg *nats.Msg) {
	var item source.Item
	if err := json.Unmarshal(msg.Data, &item); err != nil {
		a.logger.Warn("dropping malformed message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	out, err := a.engine.Process(ctx, item.Document())
	if err != nil && out.Status != store.StatusPending {
		a.logger.Warn("document rejected", zap.String("doc_id", out.DocID), zap.Error(err))
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
