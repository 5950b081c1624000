package policy

import "sort"

// BuiltinPolicies returns the built-in policies, enabled.
func BuiltinPolicies() []Policy {
	return []Policy{
		taskNamingPolicy(),
		undeclaredServicePolicy(),
		environmentPropertyPolicy(),
	}
}

// BuiltinNames lists the built-in policy names, sorted.
func BuiltinNames() []string {
	var names []string
	for _, p := range BuiltinPolicies() {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// taskNamingPolicy requires task paths to live inside their project.
func taskNamingPolicy() Policy {
	return Policy{
		Name:        "task-naming",
		Description: "Task paths start with the path of their project",
		Severity:    "warning",
		Enabled:     true,
		Rego: `package buildcache.policies.naming

import rego.v1

deny contains violation if {
	input.task.project != ":"
	prefix := concat("", [input.task.project, ":"])
	not startswith(input.task.id, prefix)
	violation := {
		"message": sprintf("task %s is not inside its project %s", [input.task.id, input.task.project]),
		"kind": "task-naming",
	}
}
`,
	}
}

// undeclaredServicePolicy reports services a script declares with use()
// that the task does not list in uses. Such usages are only known once the
// script ran, so a loaded entry cannot gate them.
func undeclaredServicePolicy() Policy {
	return Policy{
		Name:        "undeclared-service",
		Description: "Services used from scripts are declared statically",
		Severity:    "warning",
		Enabled:     true,
		Rego: `package buildcache.policies.services

import rego.v1

deny contains violation if {
	declared := {k | some k in input.task.uses}
	some m in regex.find_all_string_submatch_n("use\\([\"']([^\"']+)[\"']\\)", input.task.script, -1)
	name := m[1]
	not declared[name]
	violation := {
		"message": sprintf("task %s uses service '%s' from its script without declaring it", [input.task.id, name]),
		"kind": "undeclared-service",
	}
}
`,
	}
}

// environmentPropertyPolicy fails tasks whose properties refer to
// environment variables. The cache does not track the environment, so a
// loaded entry would keep a stale value.
func environmentPropertyPolicy() Policy {
	return Policy{
		Name:        "environment-property",
		Description: "Task properties do not read environment variables",
		Severity:    "failure",
		Enabled:     true,
		Rego: `package buildcache.policies.environment

import rego.v1

deny contains violation if {
	some name, value in input.task.properties
	is_string(value)
	startswith(value, "$")
	violation := {
		"message": sprintf("task %s reads property %s from the environment variable %s", [input.task.id, name, substring(value, 1, -1)]),
		"kind": "environment-property",
	}
}
`,
	}
}
