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

// Package rtt contains the shared data models mutated by the frontend
// submitter, the worker fleet, and the test runner.
package rtt

import "time"

// ExperimentStatus is the lifecycle state of an Experiment.
type ExperimentStatus string

const (
	ExperimentPending  ExperimentStatus = "pending"
	ExperimentRunning  ExperimentStatus = "running"
	ExperimentFinished ExperimentStatus = "finished"
)

// Valid reports whether s is one of the allowed experiment states.
func (s ExperimentStatus) Valid() bool {
	switch s {
	case ExperimentPending, ExperimentRunning, ExperimentFinished:
		return true
	default:
		return false
	}
}

func (s ExperimentStatus) String() string { return string(s) }

// Experiment is a single submission: one data file, one config file, and
// the set of batteries requested against them.
type Experiment struct {
	ID             int64            `json:"id" db:"id"`
	Name           string           `json:"name" db:"name"`
	AuthorEmail    *string          `json:"author_email,omitempty" db:"author_email"`
	Created        time.Time        `json:"created" db:"created"`
	ConfigFile     string           `json:"config_file" db:"config_file"`
	DataFile       string           `json:"data_file" db:"data_file"`
	DataFileSHA256 string           `json:"data_file_sha256" db:"data_file_sha256"`
	Status         ExperimentStatus `json:"status" db:"status"`
	RunStarted     *time.Time       `json:"run_started,omitempty" db:"run_started"`
	RunFinished    *time.Time       `json:"run_finished,omitempty" db:"run_finished"`
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobError    JobStatus = "error"
)

// Valid reports whether s is one of the allowed job states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobFinished, JobError:
		return true
	default:
		return false
	}
}

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether s is a state from which the job will not be
// picked up again by the reaper (finished) or has exhausted its retries
// via error accounting elsewhere (error is still reaper-eligible while
// retries remain, but counts as terminal for experiment-completion
// purposes per spec §4.6).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobFinished, JobError:
		return true
	default:
		return false
	}
}

// MaxRetries is the reaper-enforced ceiling on Job.Retries.
const MaxRetries = 10

// Job is one (experiment, battery) pair: the unit of work a worker claims.
type Job struct {
	ID           int64      `json:"id" db:"id"`
	ExperimentID int64      `json:"experiment_id" db:"experiment_id"`
	Battery      string     `json:"battery" db:"battery"`
	Status       JobStatus  `json:"status" db:"status"`
	RunStarted   *time.Time `json:"run_started,omitempty" db:"run_started"`
	RunHeartbeat *time.Time `json:"run_heartbeat,omitempty" db:"run_heartbeat"`
	RunFinished  *time.Time `json:"run_finished,omitempty" db:"run_finished"`
	Retries      int        `json:"retries" db:"retries"`
	WorkerID     *string    `json:"worker_id,omitempty" db:"worker_id"`
	WorkerPID    *int       `json:"worker_pid,omitempty" db:"worker_pid"`
	LockVersion  int64      `json:"lock_version" db:"lock_version"`
}

// BatteryResult is the per-experiment rollup of a single battery's test
// outcomes, written by the test runner and read back for the completion
// notification email.
type BatteryResult struct {
	ExperimentID int64  `json:"experiment_id" db:"experiment_id"`
	Name         string `json:"name" db:"name"`
	PassedTests  int    `json:"passed_tests" db:"passed_tests"`
	TotalTests   int    `json:"total_tests" db:"total_tests"`
}

// WorkerType is the operator-declared class used for global pause
// switches (shortterm-disable/longterm-disable runtime settings).
type WorkerType string

const (
	WorkerShortTerm WorkerType = "shortterm"
	WorkerLongTerm  WorkerType = "longterm"
)

func (t WorkerType) Valid() bool {
	switch t {
	case WorkerShortTerm, WorkerLongTerm:
		return true
	default:
		return false
	}
}

// Worker is the registry row identifying one running worker process.
type Worker struct {
	IDKey      int64      `json:"id_key" db:"id_key"`
	WorkerID   string     `json:"worker_id" db:"worker_id"`
	Name       string     `json:"worker_name" db:"worker_name"`
	Type       WorkerType `json:"worker_type" db:"worker_type"`
	Added      time.Time  `json:"worker_added" db:"worker_added"`
	LastSeen   time.Time  `json:"worker_last_seen" db:"worker_last_seen"`
	Active     bool       `json:"worker_active" db:"worker_active"`
	Address    string     `json:"worker_address,omitempty" db:"worker_address"`
	Location   string     `json:"worker_location,omitempty" db:"worker_location"`
	Aux        string     `json:"worker_aux,omitempty" db:"worker_aux"`
}

// Runtime setting keys honored by the worker.
const (
	SettingShortTermDisable = "shortterm-disable"
	SettingLongTermDisable  = "longterm-disable"
	SettingTerminateOlder   = "terminate-older"
	SettingCleanupInterval  = "cleanup-interval"
	SettingNumWorkers       = "num-workers"
)

// RuntimeSetting is a single key/value row in rtt_settings.
type RuntimeSetting struct {
	Key   string `json:"key" db:"key"`
	Value string `json:"value" db:"value"`
}

// NewExperiment constructs a pending Experiment with a stamped creation time.
func NewExperiment(name, configFile, dataFile, dataSHA256 string, authorEmail *string) Experiment {
	return Experiment{
		Name:           name,
		AuthorEmail:    authorEmail,
		Created:        time.Now().UTC(),
		ConfigFile:     configFile,
		DataFile:       dataFile,
		DataFileSHA256: dataSHA256,
		Status:         ExperimentPending,
	}
}

// NewJob constructs a pending Job for the given experiment/battery pair.
func NewJob(experimentID int64, battery string) Job {
	return Job{
		ExperimentID: experimentID,
		Battery:      battery,
		Status:       JobPending,
		LockVersion:  0,
	}
}
