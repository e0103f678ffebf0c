// Package api exposes the run service over REST: submit a goal, inspect the
// run and its context trace, list or evict runs, and scrape metrics.
package api
