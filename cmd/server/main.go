// Command server is the iFlow bridge host process. It manages the shared
// account pool, performs OAuth and API-key logins, and serves the local
// OpenAI-compatible routing proxy.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/router-for-me/iflowbridge/internal/account"
	"github.com/router-for-me/iflowbridge/internal/auth/iflow"
	"github.com/router-for-me/iflowbridge/internal/cliagent"
	"github.com/router-for-me/iflowbridge/internal/cmd"
	"github.com/router-for-me/iflowbridge/internal/config"
	"github.com/router-for-me/iflowbridge/internal/logging"
	"github.com/router-for-me/iflowbridge/internal/proxy"
	"github.com/router-for-me/iflowbridge/internal/store"
	"github.com/router-for-me/iflowbridge/internal/watcher"
)

func main() {
	var (
		login        bool
		apiKeyLogin  string
		noBrowser    bool
		callbackPort int
		configPath   string
	)
	flag.BoolVar(&login, "login", false, "perform an interactive iFlow OAuth login and exit")
	flag.StringVar(&apiKeyLogin, "apikey-login", "", "register an iFlow API key and exit")
	flag.BoolVar(&noBrowser, "no-browser", false, "print the OAuth URL instead of opening a browser")
	flag.IntVar(&callbackPort, "oauth-callback-port", 0, "pin the OAuth callback listener to this port")
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flag.Parse()

	// A missing .env file is normal; only explicit entries are folded in.
	_ = godotenv.Load()

	logging.SetupBaseLogger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load configuration failed: %v", err)
	}
	logging.ConfigureLevel(cfg.Debug)
	if err = logging.ConfigureFileOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Warnf("file logging unavailable: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.NewStore()
	mgr := account.LoadFromDisk(ctx, st, cfg.AccountStrategy)
	svc := iflow.NewService()
	mgr.SetRefresher(iflow.ManagerRefresher{Service: svc})

	switch {
	case login:
		opts := &cmd.LoginOptions{NoBrowser: noBrowser, CallbackPort: callbackPort}
		if err = cmd.DoIFlowLogin(ctx, cfg, mgr, svc, opts); err != nil {
			log.Fatalf("login failed: %v", err)
		}
	case apiKeyLogin != "":
		if err = cmd.DoAPIKeyLogin(ctx, mgr, svc, apiKeyLogin); err != nil {
			log.Fatalf("API key login failed: %v", err)
		}
	default:
		if err = serve(ctx, cfg, st, mgr); err != nil {
			log.Fatalf("serve failed: %v", err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, st *store.Store, mgr *account.Manager) error {
	if !cfg.AutoStartProxy {
		log.Info("proxy auto-start disabled, nothing to do")
		return nil
	}

	srv := proxy.New(cfg, mgr, cliagent.NewAgent())

	storeWatcher, err := watcher.New(st.Path(), mgr)
	if err != nil {
		log.Warnf("account store watcher unavailable: %v", err)
		return srv.Run(ctx)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(groupCtx) })
	group.Go(func() error { return storeWatcher.Run(groupCtx) })
	return group.Wait()
}
