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

// Package config loads the worker's INI configuration file (spec.md §6)
// and holds the CLI-flag-derived runtime options. The loaded value is
// immutable once constructed and is threaded through every component
// constructor (spec.md §9 Design Notes: re-architect worker-scoped
// globals as an immutable configuration value).
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Error wraps a configuration failure. The worker CLI exits 1 on any
// Error per spec.md §7 (config/invariant failure).
type Error struct {
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Credentials holds the database login pulled from MySQL-Database's
// Credentials-file.
type Credentials struct {
	Username string
	Password string
}

// StorageCredentials holds the SFTP/SSH login pulled from Storage's
// Credentials-file.
type StorageCredentials struct {
	Username           string
	PrivateKeyFile     string
	PrivateKeyPassword string
}

// Database describes the MySQL-Database section.
type Database struct {
	Name    string
	Address string
	Port    int
	Creds   Credentials
}

// LocalCache describes the Local-cache section.
type LocalCache struct {
	DataDirectory   string
	ConfigDirectory string
}

// Storage describes the Storage section.
type Storage struct {
	Address         string
	Port            int
	DataDirectory   string
	ConfigDirectory string
	Creds           StorageCredentials
}

// Backend describes the Backend section.
type Backend struct {
	SenderEmail           string
	BackendID             string
	BackendName           string
	BackendLocation       string
	BackendLongterm       bool
	BackendAux            string
	MaxSecondsPerTest     int
	LogDir                string
}

// RTTBinary describes the RTT-Binary section.
type RTTBinary struct {
	BinaryPath        string
	BoolTestRTTPath string
}

// WorkerConfig is the fully parsed, immutable configuration for one
// worker process: the INI document plus the CLI flags layered over it.
type WorkerConfig struct {
	Database   Database
	LocalCache LocalCache
	Storage    Storage
	Backend    Backend
	RTTBinary  RTTBinary

	// CLI flags (spec.md §6)
	WorkerID        string
	WorkerName      string
	IDRandomize     bool
	Longterm        bool
	Deactivate      bool
	Location        string
	Aux             string
	RunTimeSec      int
	JobTimeSec      int
	AllTime         bool
	CleanCache      bool
	CleanLogs       bool
	LogDir          string
	DBHost          string
	DBPort          int
	ForwardedMySQL  bool
	CleanupOnly     bool
	CleanJobs       bool
	PBSPro          bool
}

// DefaultWorkerConfig returns a WorkerConfig with every CLI-flag field at
// its spec.md §6 default.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		RunTimeSec: 0, // 0 means "no wall-clock budget" (run until no jobs remain)
		JobTimeSec: 0, // 0 means use [Backend] Maximum-seconds-per-test
	}
}

// Load reads the main worker INI file at path, resolves its nested
// Credentials-file references, and returns the Database/LocalCache/
// Storage/Backend/RTTBinary sections. CLI-flag fields are left at their
// zero values for the caller to fill in from flag.Parse results.
func Load(path string) (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()

	doc, err := loadINIFile(path)
	if err != nil {
		return cfg, &Error{Err: err}
	}

	db, err := loadDatabase(doc)
	if err != nil {
		return cfg, &Error{Err: err}
	}
	cfg.Database = db

	cfg.LocalCache = LocalCache{
		DataDirectory:   doc.getDefault("Local-cache", "Data-directory", ""),
		ConfigDirectory: doc.getDefault("Local-cache", "Config-directory", ""),
	}
	if cfg.LocalCache.DataDirectory == "" || cfg.LocalCache.ConfigDirectory == "" {
		return cfg, &Error{Err: fmt.Errorf("[Local-cache] Data-directory and Config-directory are required")}
	}

	storage, err := loadStorage(doc)
	if err != nil {
		return cfg, &Error{Err: err}
	}
	cfg.Storage = storage

	backend, err := loadBackend(doc)
	if err != nil {
		return cfg, &Error{Err: err}
	}
	cfg.Backend = backend

	cfg.RTTBinary = RTTBinary{
		BinaryPath:      doc.getDefault("RTT-Binary", "Binary-path", ""),
		BoolTestRTTPath: doc.getDefault("RTT-Binary", "booltest-rtt-path", ""),
	}
	if cfg.RTTBinary.BinaryPath == "" {
		return cfg, &Error{Err: fmt.Errorf("[RTT-Binary] Binary-path is required")}
	}

	return cfg, nil
}

func loadDatabase(doc ini) (Database, error) {
	addr, err := doc.get("MySQL-Database", "Address")
	if err != nil {
		return Database{}, err
	}
	name, err := doc.get("MySQL-Database", "Name")
	if err != nil {
		return Database{}, err
	}
	portStr, err := doc.get("MySQL-Database", "Port")
	if err != nil {
		return Database{}, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return Database{}, fmt.Errorf("[MySQL-Database] Port: %w", err)
	}
	credFile, err := doc.get("MySQL-Database", "Credentials-file")
	if err != nil {
		return Database{}, err
	}
	credDoc, err := loadINIFile(credFile)
	if err != nil {
		return Database{}, fmt.Errorf("MySQL-Database Credentials-file: %w", err)
	}
	user, err := credDoc.get("Credentials", "Username")
	if err != nil {
		return Database{}, err
	}
	pass, err := credDoc.get("Credentials", "Password")
	if err != nil {
		return Database{}, err
	}
	return Database{
		Name:    name,
		Address: addr,
		Port:    port,
		Creds:   Credentials{Username: user, Password: pass},
	}, nil
}

func loadStorage(doc ini) (Storage, error) {
	addr, err := doc.get("Storage", "Address")
	if err != nil {
		return Storage{}, err
	}
	portStr, err := doc.get("Storage", "Port")
	if err != nil {
		return Storage{}, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return Storage{}, fmt.Errorf("[Storage] Port: %w", err)
	}
	credFile, err := doc.get("Storage", "Credentials-file")
	if err != nil {
		return Storage{}, err
	}
	credDoc, err := loadINIFile(credFile)
	if err != nil {
		return Storage{}, fmt.Errorf("Storage Credentials-file: %w", err)
	}
	user, err := credDoc.get("Credentials", "Username")
	if err != nil {
		return Storage{}, err
	}
	keyFile, err := credDoc.get("Credentials", "Private-key-file")
	if err != nil {
		return Storage{}, err
	}
	keyPass := credDoc.getDefault("Credentials", "Private-key-password", "")

	return Storage{
		Address:         addr,
		Port:            port,
		DataDirectory:   doc.getDefault("Storage", "Data-directory", ""),
		ConfigDirectory: doc.getDefault("Storage", "Config-directory", ""),
		Creds: StorageCredentials{
			Username:           user,
			PrivateKeyFile:     keyFile,
			PrivateKeyPassword: keyPass,
		},
	}, nil
}

func loadBackend(doc ini) (Backend, error) {
	maxSecStr := doc.getDefault("Backend", "Maximum-seconds-per-test", "3800")
	maxSec, err := strconv.Atoi(strings.TrimSpace(maxSecStr))
	if err != nil {
		return Backend{}, fmt.Errorf("[Backend] Maximum-seconds-per-test: %w", err)
	}
	return Backend{
		SenderEmail:       doc.getDefault("Backend", "Sender-email", ""),
		BackendID:         doc.getDefault("Backend", "backend-id", ""),
		BackendName:       doc.getDefault("Backend", "backend-name", ""),
		BackendLocation:   doc.getDefault("Backend", "backend-loc", ""),
		BackendLongterm:   parseBool(doc.getDefault("Backend", "backend-longterm", "0")),
		BackendAux:        doc.getDefault("Backend", "backend-aux", ""),
		MaxSecondsPerTest: maxSec,
		LogDir:            doc.getDefault("Backend", "log-dir", ""),
	}, nil
}

func parseBool(s string) bool {
	s = strings.TrimSpace(s)
	return s == "1" || strings.EqualFold(s, "true") || strings.EqualFold(s, "yes")
}
