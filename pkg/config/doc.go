// Package config loads build configurations and runs task scripts.
//
// A build configuration names the shared services of a build tree, the
// task graph and optional session settings. It can be written in CUE, JSON
// or YAML; every format is unified with the built-in #Build CUE schema and
// then validated with struct tags and cross-reference checks (unknown
// tasks or services, duplicate keys, dependency cycles).
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load(ctx, "build.cue")
//	if err != nil {
//	    return err
//	}
//	session := cfg.SessionConfig([]string{":app:assemble"})
//
// A minimal configuration:
//
//	name: "demo"
//	session: maxProblems: 10
//	services: [{key: "workers", kind: "limiter", maxParallelUsages: 2}]
//	tasks: [
//	    {id: ":lib:compile", project: ":lib", uses: ["workers"]},
//	    {id: ":app:compile", project: ":app", dependsOn: [":lib:compile"],
//	     script: """
//	        if properties.get("legacy"):
//	            problem("reads a system property at configuration time", kind="system-property")
//	        """},
//	]
//
// Task scripts are Starlark. RunTask predeclares problem(), use() and
// serialization_failure() and reports their effects to a TaskHost. Scripts
// have no filesystem or network access, print is discarded and execution
// is cancelled when the context or the evaluator timeout expires.
package config
