// Package policy checks task configurations with Open Policy Agent (OPA)
// Rego policies.
//
// Policies are evaluated for every task a session configures. Each policy is
// a Rego module with a deny set; every deny entry becomes a problem recorded
// for the task, so policy violations take part in the configuration cache
// decision like any other problem.
//
// # Writing Policies
//
// The input document has the shape of Input:
//
//	{
//	  "build":    "shop",
//	  "action":   "store",
//	  "task":     {"id": ":app:compile", "project": ":app", "uses": [...], ...},
//	  "services": [{"key": "workers", "kind": "limiter", ...}]
//	}
//
// Deny entries are either strings or objects:
//
//	package buildcache.policies.custom
//
//	import rego.v1
//
//	deny contains violation if {
//	    count(input.task.dependsOn) > 10
//	    violation := {
//	        "message": sprintf("task %s has too many dependencies", [input.task.id]),
//	        "severity": "failure",
//	        "kind": "fan-in",
//	    }
//	}
//
// A .rego file becomes a warning-level policy named after the file. A .json
// file holds a Policy with its Rego source inline.
//
// # Built-in Policies
//
//   - task-naming: task paths start with their project path
//   - undeclared-service: services used from scripts are listed in uses
//   - environment-property: properties do not refer to environment variables
//
// # Usage
//
//	policies, err := policy.FromConfig(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	found, err := policies.CheckTask(ctx, policy.Input{Build: cfg.Name, Task: task})
package policy
