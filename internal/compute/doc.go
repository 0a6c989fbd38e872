// Package compute starts and stops the machines that run workers. A
// Controller watches the task backlog and drives a Provider (Compute Engine
// or local Firecracker microVMs) so that queued work has somewhere to run.
package compute
