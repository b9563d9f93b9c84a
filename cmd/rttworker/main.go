// RTT Worker is a distributed job-execution worker for statistical randomness testing.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"rttworker/internal/artifact"
	"rttworker/internal/config"
	"rttworker/internal/logging"
	"rttworker/internal/mailer"
	"rttworker/internal/rttstore"
	"rttworker/internal/rttworker"
	"rttworker/internal/sftpclient"
	"rttworker/internal/tunnel"
	"rttworker/pkg/rtt"
)

func main() {
	var (
		id           = flag.String("id", "", "Worker identifier; randomized if unset or --id-randomize is given")
		name         = flag.String("name", "", "Human-readable worker name")
		idRandomize  = flag.Bool("id-randomize", false, "Force a random worker id even if --id is given")
		longterm     = flag.Bool("longterm", false, "Register as a longterm worker (subject to longterm-disable pauses)")
		deactivate   = flag.Bool("deactivate", false, "Deactivate this worker's registry row on exit")
		location     = flag.String("location", "", "Operator-facing location string")
		aux          = flag.String("aux", "", "Free-form auxiliary registry field")
		runTimeSec   = flag.Int("run-time", 0, "Wall-clock budget in seconds; 0 means run until no jobs remain")
		jobTimeSec   = flag.Int("job-time", 0, "Per-test deadline in seconds, overriding the INI's Maximum-seconds-per-test")
		allTime      = flag.Bool("all-time", false, "Keep polling for the full --run-time budget even when momentarily out of work")
		cleanCache   = flag.Bool("clean-cache", false, "Purge cached artifacts for finished experiments at startup, then run as usual; nothing is purged at exit")
		cleanLogs    = flag.Bool("clean-logs", false, "Purge aged log files at startup, then run as usual; nothing is purged at exit")
		logDir       = flag.String("log-dir", "", "Directory of worker log files, overriding the INI's Backend log-dir")
		dbHost       = flag.String("db-host", "", "Database host forwarded to the test-runner subprocess, overriding the INI")
		dbPort       = flag.Int("db-port", 0, "Database port forwarded to the test-runner subprocess, overriding the INI")
		forwardedSQL = flag.Bool("forwarded-mysql", false, "Tunnel the database connection over SSH through the Storage host")
		cleanupOnly  = flag.Bool("cleanup-only", false, "Run the clean-cache/clean-logs/clean-jobs steps and exit without claiming jobs")
		cleanJobs    = flag.Bool("clean-jobs", false, "Release any job this worker id currently owns back to pending at startup, then run as usual")
		pbspro       = flag.Bool("pbspro", false, "Trust the PBS Pro scheduler's PBS_WALLTIME over --run-time")
		stateDB      = flag.String("state-db", "", "Path to the worker's local SQLite job-queue database, defaulting under Local-cache's Data-directory")
		logLevel     = flag.String("log-level", "info", "Log level: debug|info|warn|error")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	if flag.NArg() < 1 {
		logger.Error("missing required INI config path argument")
		os.Exit(1)
	}
	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		logger.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	// Only flags the operator actually passed override the INI's Backend
	// defaults (backend-id/-name/-loc/-longterm/-aux); an unset flag must
	// not clobber a configured INI value with its zero default.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if cfg.WorkerID == "" {
		cfg.WorkerID = cfg.Backend.BackendID
	}
	if cfg.WorkerName == "" {
		cfg.WorkerName = cfg.Backend.BackendName
	}
	if cfg.Location == "" {
		cfg.Location = cfg.Backend.BackendLocation
	}
	if cfg.Aux == "" {
		cfg.Aux = cfg.Backend.BackendAux
	}
	cfg.Longterm = cfg.Backend.BackendLongterm

	if set["id"] {
		cfg.WorkerID = *id
	}
	if set["name"] {
		cfg.WorkerName = *name
	}
	if set["location"] {
		cfg.Location = *location
	}
	if set["aux"] {
		cfg.Aux = *aux
	}
	if set["longterm"] {
		cfg.Longterm = *longterm
	}
	cfg.IDRandomize = *idRandomize
	cfg.Deactivate = *deactivate
	if set["run-time"] {
		cfg.RunTimeSec = *runTimeSec
	}
	if set["job-time"] {
		cfg.JobTimeSec = *jobTimeSec
	}
	cfg.AllTime = *allTime
	cfg.CleanCache = *cleanCache
	cfg.CleanLogs = *cleanLogs
	if set["log-dir"] {
		cfg.LogDir = *logDir
	}
	if set["db-host"] {
		cfg.DBHost = *dbHost
	}
	if set["db-port"] {
		cfg.DBPort = *dbPort
	}
	cfg.ForwardedMySQL = *forwardedSQL
	cfg.CleanupOnly = *cleanupOnly
	cfg.CleanJobs = *cleanJobs
	cfg.PBSPro = *pbspro

	if cfg.PBSPro {
		if wt := os.Getenv("PBS_WALLTIME"); wt != "" {
			if secs, err := strconv.Atoi(wt); err == nil {
				cfg.RunTimeSec = secs
				logger.Info("pbspro: trusting scheduler walltime over --run-time", slog.Int("seconds", secs))
			} else {
				logger.Warn("pbspro: PBS_WALLTIME is not an integer, ignoring", slog.String("value", wt))
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *stateDB); err != nil {
		logger.Error("rttworker failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.WorkerConfig, stateDBFlag string) error {
	statePath := stateDBFlag
	if statePath == "" {
		statePath = filepath.Join(cfg.LocalCache.DataDirectory, "rttworker_state.db")
	}
	store, err := rttstore.Open(ctx, statePath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer func() { _ = store.Close() }()

	dbHost, dbPort := cfg.DBHost, cfg.DBPort
	if dbHost == "" {
		dbHost = cfg.Database.Address
	}
	if dbPort == 0 {
		dbPort = cfg.Database.Port
	}

	storageKeyPEM, err := os.ReadFile(cfg.Storage.Creds.PrivateKeyFile)
	if err != nil {
		return fmt.Errorf("read storage private key %s: %w", cfg.Storage.Creds.PrivateKeyFile, err)
	}

	if cfg.ForwardedMySQL {
		fwd, err := tunnel.Start(ctx, tunnel.Params{
			SSHHost:            cfg.Storage.Address,
			SSHPort:            cfg.Storage.Port,
			User:               cfg.Storage.Creds.Username,
			PrivateKeyPEM:      storageKeyPEM,
			PrivateKeyPassword: cfg.Storage.Creds.PrivateKeyPassword,
			RemoteHost:         cfg.Database.Address,
			RemotePort:         cfg.Database.Port,
			Logger:             logger,
		})
		if err != nil {
			return fmt.Errorf("start forwarded-mysql tunnel: %w", err)
		}
		defer func() { _ = fwd.Shutdown() }()
		dbHost = "127.0.0.1"
		dbPort = fwd.LocalPort()
	}

	sftpClient, err := sftpclient.Dial(ctx, sftpclient.Config{
		Address:            cfg.Storage.Address,
		Port:               cfg.Storage.Port,
		Username:           cfg.Storage.Creds.Username,
		PrivateKeyPEM:      storageKeyPEM,
		PrivateKeyPassword: cfg.Storage.Creds.PrivateKeyPassword,
	})
	if err != nil {
		return fmt.Errorf("dial storage host: %w", err)
	}
	defer func() { _ = sftpClient.Close() }()

	fetcher := artifact.NewFetcher(sftpClient, logger)
	mail := mailer.New("", cfg.Backend.SenderEmail)

	workerType := rtt.WorkerShortTerm
	if cfg.Longterm {
		workerType = rtt.WorkerLongTerm
	}

	maxSecPerTest := cfg.Backend.MaxSecondsPerTest
	if cfg.JobTimeSec > 0 {
		maxSecPerTest = cfg.JobTimeSec
	}

	opts := rttworker.Options{
		WorkerID:         cfg.WorkerID,
		WorkerName:       cfg.WorkerName,
		IDRandomize:      cfg.IDRandomize,
		WorkerType:       workerType,
		Location:         cfg.Location,
		Aux:              cfg.Aux,
		DeactivateOnExit: cfg.Deactivate,
		NumWorkers:       1,
		MaxSecPerTest:    maxSecPerTest,
		RunTime:          time.Duration(cfg.RunTimeSec) * time.Second,
		AllTime:          cfg.AllTime,
		DataCacheDir:     cfg.LocalCache.DataDirectory,
		ConfigCacheDir:   cfg.LocalCache.ConfigDirectory,
		RTTBinaryPath:    cfg.RTTBinary.BinaryPath,
		BoolTestRTTPath:  cfg.RTTBinary.BoolTestRTTPath,
		DBHost:           dbHost,
		DBPort:           dbPort,
	}

	janitor := artifact.NewJanitor(cfg.LocalCache.DataDirectory, cfg.LocalCache.ConfigDirectory, logger)
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = cfg.Backend.LogDir
	}

	if cfg.CleanCache || cfg.CleanupOnly {
		finished, err := store.FinishedExperimentIDs(ctx)
		if err != nil {
			return fmt.Errorf("list finished experiments: %w", err)
		}
		if err := janitor.CleanCache(finished); err != nil {
			logger.Warn("cache cleanup reported an error", slog.Any("err", err))
		}
	}
	if cfg.CleanLogs || cfg.CleanupOnly {
		if err := artifact.CleanLogs(logDir, artifact.DefaultLogMaxAge, logger); err != nil {
			logger.Warn("log cleanup reported an error", slog.Any("err", err))
		}
	}
	if cfg.CleanJobs || cfg.CleanupOnly {
		if cfg.WorkerID != "" {
			n, err := store.ReleaseWorkerJobs(ctx, cfg.WorkerID)
			if err != nil {
				logger.Warn("job release reported an error", slog.Any("err", err))
			} else if n > 0 {
				logger.Info("released jobs back to pending", slog.Int("count", n), slog.String("worker_id", cfg.WorkerID))
			}
		}
	}
	if cfg.CleanupOnly {
		logger.Info("cleanup-only run complete")
		return nil
	}

	w := rttworker.NewWorker(store, fetcher, mail, logger, opts)
	return w.Run(ctx)
}
