// Package workflow coordinates several agents towards one goal.
//
// A run plans the goal into tasks, lets the router assign every task to an
// agent, and then drives a two-lane action queue one action at a time. Agents
// either complete their task or ask a follow-up question; questions go to the
// router, whose answer is recorded in the context log before the asking agent
// resumes its task. Every completion lands in an append-only context log and a
// final endgame agent compiles the log into a single answer.
//
// Execution inside one run is strictly sequential: exactly one generation call
// is in flight at any time, so the queue and the log need no locking.
package workflow
