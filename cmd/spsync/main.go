// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mobiletoly/go-spsync/sprest"
	"github.com/mobiletoly/go-spsync/spstore"
	"github.com/mobiletoly/go-spsync/spsync"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "spsync",
	Short: "Offline-first SharePoint list synchronization",
	Long: `spsync keeps a local SQLite mirror of SharePoint lists.

Reads and writes happen locally; changes queue in a durable outbox and
reconcile with the server in the background. Configuration (which
entities to sync) is discovered from the APP_Config and APP_Tables
system lists.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("spsync")
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
			viper.AddConfigPath("$HOME/.spsync")
		}
		viper.SetEnvPrefix("SPSYNC")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errorsAs(err, &notFound) {
				return fmt.Errorf("failed to read config: %w", err)
			}
		}
		setupLogging()
		return nil
	},
}

// errorsAs is a tiny indirection so the PreRun stays readable.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var out io.Writer = os.Stderr
	if logFile := viper.GetString("log.file"); logFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    viper.GetInt("log.max_size_mb"),
			MaxBackups: 3,
		})
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// openClient wires store, connector and facade from the config file.
func openClient() (*spsync.Client, func(), error) {
	siteURL := viper.GetString("site_url")
	appID := viper.GetString("app_id")
	dbPath := viper.GetString("db_path")
	if siteURL == "" || appID == "" {
		return nil, nil, fmt.Errorf("site_url and app_id must be configured")
	}
	if dbPath == "" {
		dbPath = "spsync.db"
	}

	auth, err := buildAuth()
	if err != nil {
		return nil, nil, err
	}
	conn, err := sprest.New(siteURL, auth, nil)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", dbPath, err)
	}
	store, err := spstore.NewSQLiteStore(db, slog.Default())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	opts := spsync.EngineOptions{
		MaxAttempts: viper.GetInt("max_attempts"),
	}
	client, err := spsync.NewClient(store, store, conn, appID, opts, slog.Default())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return client, func() { db.Close() }, nil
}

func buildAuth() (sprest.AuthProvider, error) {
	if token := viper.GetString("auth.bearer_token"); token != "" {
		return sprest.NewBearerAuth(func(ctx context.Context) (string, error) {
			return token, nil
		}), nil
	}
	fedAuth := viper.GetString("auth.fedauth")
	rtFa := viper.GetString("auth.rtfa")
	if fedAuth == "" {
		return nil, fmt.Errorf("configure auth.bearer_token or auth.fedauth/auth.rtfa cookies")
	}
	cookies := []*http.Cookie{{Name: "FedAuth", Value: fedAuth}}
	if rtFa != "" {
		cookies = append(cookies, &http.Cookie{Name: "rtFa", Value: rtFa})
	}
	return sprest.NewCookieAuth(cookies, nil), nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./spsync.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(syncCmd, statusCmd, conflictsCmd, retryCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
