// Package feed keeps one store change feed open per channel that has members.
//
// Manager drives the per-channel CLOSED, OPENING, OPEN and ERROR states, runs
// a delivery task per open feed and reopens broken feeds after a fixed
// backoff. HealthMonitor audits the result against membership on a slower
// period and repairs anything the normal path missed.
package feed
