package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/docmirror"
	asynchook "github.com/unkn0wn-root/docmirror/hooks/async"
	promhooks "github.com/unkn0wn-root/docmirror/hooks/prom"
	zaplog "github.com/unkn0wn-root/docmirror/log/zap"
	"github.com/unkn0wn-root/docmirror/sloghooks"
)

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY...",
		Short: "Fetch documents from the remote store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, keys []string) error {
			ctx := cmd.Context()
			m, closeFn, err := a.open(ctx, nil, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			fctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			if err := m.Fetch(fctx, keys...); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var missing []string
			for _, k := range keys {
				doc, ok := m.Get(k)
				if !ok {
					missing = append(missing, k)
					continue
				}
				if err := printDoc(out, k, doc); err != nil {
					return err
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("not found: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func (a *app) setCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "set KEY JSON",
		Short: "Write a document; KEY \"-\" generates a UUID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if key == "-" {
				key = uuid.NewString()
			}
			doc, err := parseDoc(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			m, closeFn, err := a.open(ctx, nil, awaited)
			if err != nil {
				return err
			}
			defer closeFn()

			wctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			if ttl > 0 {
				err = m.SetWithExpiry(wctx, key, doc, time.Now().Add(ttl))
			} else {
				err = m.Set(wctx, key, doc)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the document after this long")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete KEY...",
		Aliases: []string{"rm"},
		Short:   "Delete documents",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, keys []string) error {
			ctx := cmd.Context()
			m, closeFn, err := a.open(ctx, nil, awaited)
			if err != nil {
				return err
			}
			defer closeFn()

			wctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			var errs []error
			for _, k := range keys {
				if err := m.Delete(wctx, k); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func (a *app) dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [COLLECTION...]",
		Short: "Print every document of one or more collections as JSON lines",
		RunE: func(cmd *cobra.Command, colls []string) error {
			if len(colls) == 0 {
				colls = []string{a.cfg.Collection}
			}
			opts, err := a.cfg.Options(nil, nil)
			if err != nil {
				return err
			}
			if c, ok := opts.Local.(interface{ Close() error }); ok {
				_ = c.Close()
			}
			opts.FetchAll = true
			opts.MonitorChanges = false
			opts.Local = nil // one local map per collection
			opts.Logger = zaplog.New(a.log)

			mirrors, err := docmirror.NewMulti(colls, opts)
			if err != nil {
				return err
			}
			defer func() {
				cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := docmirror.CloseAll(cctx, mirrors); err != nil {
					a.log.Warn("close mirrors", zap.Error(err))
				}
			}()

			wctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()
			if err := docmirror.WaitAll(wctx, mirrors); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, c := range colls {
				m := mirrors[c]
				for _, k := range m.Keys() {
					doc, ok := m.Get(k)
					if !ok {
						continue
					}
					if len(colls) > 1 {
						k = c + "/" + k
					}
					if err := printDoc(out, k, doc); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	var (
		metricsAddr string
		every       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the change feed and report the local copy's size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if every <= 0 {
				return fmt.Errorf("--every must be positive, got %s", every)
			}
			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			ph, err := promhooks.New(reg, a.cfg.Metrics.Namespace)
			if err != nil {
				return err
			}
			lh := asynchook.New(sloghooks.New(slog.New(slog.NewTextHandler(os.Stderr, nil)), sloghooks.Options{
				AppliedEvery: 100,
			}), 1, 1024)
			defer lh.Close()

			m, closeFn, err := a.open(ctx, docmirror.MultiHooks(ph, lh), func(o *docmirror.Options) {
				o.MonitorChanges = true
			})
			if err != nil {
				return err
			}
			defer closeFn()

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error("metrics server", zap.Error(err))
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
				a.log.Info("serving metrics", zap.String("addr", metricsAddr))
			}

			a.log.Info("watching",
				zap.String("collection", m.Collection()),
				zap.Int("documents", m.Len()))

			t := time.NewTicker(every)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					a.log.Info("status",
						zap.Int("documents", m.Len()),
						zap.Stringer("feed", m.FeedState()),
						zap.Uint64("hooks_dropped", lh.Dropped()))
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&every, "every", 10*time.Second, "status log interval")
	return cmd
}

func awaited(o *docmirror.Options) { o.Durability = docmirror.DurabilityAwaited }

func parseDoc(s string) (docmirror.Document, error) {
	var doc docmirror.Document
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if doc == nil {
		return nil, errors.New("document must be a JSON object")
	}
	return doc, nil
}

// printDoc writes {"key":..., "value":...} on one line with sorted fields.
func printDoc(w io.Writer, key string, doc docmirror.Document) error {
	b, err := json.Marshal(struct {
		Key   string             `json:"key"`
		Value docmirror.Document `json:"value"`
	}{key, doc})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
