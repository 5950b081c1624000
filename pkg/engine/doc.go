// Package engine runs build-tree sessions on top of the configuration cache.
//
// # Overview
//
// A Session covers one invocation of the build:
//
//  1. Action - compare the stored cache entry with the current project
//     fingerprints and pick Load, Update or Store
//  2. Services - register the configured shared services and declare the
//     static usages of every task with the concurrency gate
//  3. Configure - run task scripts (skipped on Load, restricted to changed
//     projects on Update), recording problems into the cache engine
//  4. Execute - run the task graph with the Scheduler
//  5. Report - let the cache engine decide whether the entry is kept,
//     discarded or fails the build
//  6. Teardown - persist the entry and the session outcome, close services
//
// # Scheduling
//
// The Scheduler executes a TaskGraph level by level. Tasks of a level run in
// parallel on a bounded worker pool; a task whose dependencies did not all
// succeed is skipped. While its body runs a task holds one permit of every
// service it declared, so capped services never see more concurrent users
// than they allow.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: A shared service refused work and requires backoff
//   - Conflict: Concurrent state changes requiring retry
//   - Permanent: Non-recoverable errors
//
// Use Classify to turn any error into an EngineError and the Is* helpers to
// inspect it:
//
//	if IsRetryable(err) {
//	    // Retry the operation
//	}
//
// # Example Usage
//
//	session, err := engine.NewSession(engine.SessionOptions{
//	    Config:         cfg,
//	    Store:          store,
//	    RequestedTasks: []string{":app:build"},
//	})
//	if err != nil {
//	    return err
//	}
//	result, err := session.Run(ctx)
//	fmt.Println(result.StatusLine)
package engine
