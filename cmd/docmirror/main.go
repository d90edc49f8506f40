// Command docmirror inspects and follows a mirrored collection.
//
//	docmirror --url mongodb://localhost:27017 --collection users get alice
//	docmirror --config docmirror.yaml watch --metrics-addr :9100
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/docmirror"
	"github.com/unkn0wn-root/docmirror/internal/config"
	zaplog "github.com/unkn0wn-root/docmirror/log/zap"

	_ "github.com/unkn0wn-root/docmirror/store/memory"
	_ "github.com/unkn0wn-root/docmirror/store/mongo"
	_ "github.com/unkn0wn-root/docmirror/store/redis"
)

type app struct {
	cfgPath string
	envFile string
	timeout time.Duration

	// flag overrides, applied over the loaded config when set
	url        string
	database   string
	collection string
	logLevel   string

	cfg *config.Config
	log *zap.Logger
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "docmirror:", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "docmirror",
		Short:         "Read, write and follow a mirrored document collection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", os.Getenv("DOCMIRROR_CONFIG"), "YAML config file (env DOCMIRROR_CONFIG)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before DOCMIRROR_* overrides")
	pf.StringVar(&a.url, "url", "", "remote store URL (mongodb://, redis://, mem://)")
	pf.StringVar(&a.database, "database", "", "database name")
	pf.StringVarP(&a.collection, "collection", "c", "", "collection name")
	pf.StringVar(&a.logLevel, "log-level", "", "debug|info|warn|error")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "bound on initialization and one-shot commands")

	root.AddCommand(
		a.getCmd(),
		a.setCmd(),
		a.deleteCmd(),
		a.dumpCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.cfgPath, a.envFile)
	if err != nil {
		return err
	}
	if a.url != "" {
		cfg.URL = a.url
	}
	if a.database != "" {
		cfg.Database = a.database
	}
	if a.collection != "" {
		cfg.Collection = a.collection
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.log = buildLogger(cfg.Log.Env, cfg.Log.Level)
	return nil
}

// open builds a mirror from the loaded config, lets mutate adjust the options, and
// waits for initialization.
func (a *app) open(ctx context.Context, hooks docmirror.Hooks, mutate func(*docmirror.Options)) (docmirror.Mirror, func(), error) {
	opts, err := a.cfg.Options(zaplog.New(a.log), hooks)
	if err != nil {
		return nil, nil, err
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := docmirror.New(opts)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Close(cctx); err != nil {
			a.log.Warn("close mirror", zap.Error(err))
		}
		if c, ok := opts.Local.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}

	wctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := m.Wait(wctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return m, cleanup, nil
}
