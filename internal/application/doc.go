// Package application wires configuration into running components: lazy
// cloud client providers, the mutex and migration stores for the selected
// backend, the task queue, request verifiers, the HTTP router and server,
// and the local cron runner.
package application
