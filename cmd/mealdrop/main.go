package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mealdrop/mealdrop/internal/app"
	"github.com/mealdrop/mealdrop/internal/config"

	log "github.com/sirupsen/logrus"
)

// Run modes.
const (
	modeServe       = "serve"
	modeScheduler   = "scheduler"
	modeMigrate     = "migrate"
	modeMaintenance = "maintenance"
	modeInit        = "init"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run parses flags, loads config, and dispatches to the selected mode.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mealdrop", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	port := fs.Int("port", 0, "server port (overrides config)")
	mode := fs.String("mode", modeServe, "serve | scheduler | migrate | maintenance | init")

	var initReq app.InitRequest
	fs.StringVar(&initReq.DatabaseType, "db-type", "sqlite", "init: postgres or sqlite")
	fs.StringVar(&initReq.DatabaseHost, "db-host", "localhost", "init: postgres host")
	fs.IntVar(&initReq.DatabasePort, "db-port", 5432, "init: postgres port")
	fs.StringVar(&initReq.DatabaseUser, "db-user", "", "init: postgres user")
	fs.StringVar(&initReq.DatabasePassword, "db-password", "", "init: postgres password")
	fs.StringVar(&initReq.DatabaseName, "db-name", "mealdrop", "init: postgres database")
	fs.StringVar(&initReq.DatabasePath, "db-path", "", "init: sqlite file path")
	fs.StringVar(&initReq.DatabaseSSLMode, "db-sslmode", "", "init: postgres sslmode")
	fs.StringVar(&initReq.Timezone, "timezone", "UTC", "init: engine timezone")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if errValidate := validatePort(*port); errValidate != nil {
		return errValidate
	}
	if errEnv := loadEnvFile(*envFile); errEnv != nil {
		return errEnv
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	switch strings.ToLower(strings.TrimSpace(*mode)) {
	case modeServe:
		return app.RunServer(ctx, appCfg, *port, false)
	case modeScheduler:
		return app.RunServer(ctx, appCfg, *port, true)
	case modeMigrate:
		if errMigrate := app.Migrate(ctx, appCfg); errMigrate != nil {
			return errMigrate
		}
		log.Info("migrations applied")
		return nil
	case modeMaintenance:
		summary, errRun := app.RunMaintenanceOnce(ctx, appCfg)
		if errRun != nil {
			return errRun
		}
		out, errMarshal := json.MarshalIndent(summary, "", "  ")
		if errMarshal != nil {
			return errMarshal
		}
		fmt.Println(string(out))
		if !summary.Success {
			return errors.New("maintenance run finished with failed tasks")
		}
		return nil
	case modeInit:
		initReq.Port = *port
		return app.RunInit(ctx, appCfg, initReq)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if errLoad := godotenv.Load(path); errLoad != nil {
		if errors.Is(errLoad, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, errLoad)
	}
	return nil
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
