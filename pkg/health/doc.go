// Package health implements the probes application services use to decide
// whether the process they started is actually serving. A Probe wraps an
// HTTP, TCP or exec Checker and turns a run of results into a verdict,
// ignoring failures inside the start period and reporting unhealthy only
// after the configured number of consecutive failures.
package health
