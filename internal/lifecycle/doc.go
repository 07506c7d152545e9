// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package lifecycle manages runner subprocess lifecycle operations.

This package provides secure PID file management, process spawning/validation,
and lifecycle event logging for runner subprocesses spawned by the Runner
Manager and for the `runnerctl serve` daemon itself.

# PID File Management

PID files are security-sensitive as they control which process receives shutdown
signals. The package uses exclusive file locking (flock) and atomic creation
(O_EXCL) to prevent race conditions and symlink attacks:

	manager := lifecycle.NewPIDFileManager("/path/to/runner.pid")
	if err := manager.Create(1234); err != nil {
	    // Handle error
	}
	defer manager.Remove()

# Process Operations

PidAlive implements pid_alive(pid, fingerprint): a bare PID-exists check is
not enough to confirm a recorded runner is still the process we spawned,
since PIDs get reused:

	pid, err := manager.Read()
	if err != nil {
	    // Handle error
	}

	if !lifecycle.PidAlive(pid, fingerprint) {
	    // PID file is stale or was recycled by an unrelated process
	}

	if err := lifecycle.SendSignal(pid, syscall.SIGTERM); err != nil {
	    // Handle error
	}

# Process Spawning

Detached process spawning runs a provider subprocess in background mode:

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached("/path/to/claude", args, logPath)
	if err != nil {
	    // Handle error
	}

# Lifecycle Logging

Daemon start/stop events are logged to a dedicated audit file, independent of
the structured application log:

	logger := lifecycle.NewLifecycleLogger("/path/to/lifecycle.log")
	logger.LogStart(version, os.Args[1:], configFile)
	logger.LogStartSuccess(pid, 0, time.Since(startedAt))
	logger.LogStop(pid, false)
*/
package lifecycle
