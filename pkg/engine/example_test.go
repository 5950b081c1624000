package engine_test

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/openfroyo/buildcache/pkg/engine"
)

// Example demonstrates executing a small task graph.
func Example_taskGraph() {
	// :lib:compile -> :lib:jar -> :app:compile, with :docs:build independent.
	tasks := []*engine.Task{
		{ID: ":lib:compile", Project: ":lib"},
		{ID: ":lib:jar", Project: ":lib", DependsOn: []string{":lib:compile"}},
		{ID: ":app:compile", Project: ":app", DependsOn: []string{":lib:jar"}},
		{ID: ":docs:build", Project: ":docs"},
	}

	graph, err := engine.NewTaskGraph(tasks)
	if err != nil {
		log.Fatal(err)
	}

	for level := 0; level < graph.Depth(); level++ {
		fmt.Printf("Level %d:", level)
		for _, t := range graph.Level(level) {
			fmt.Printf(" %s", t.ID)
		}
		fmt.Println()
	}

	var mu sync.Mutex
	ran := 0
	scheduler, err := engine.NewScheduler(engine.SchedulerConfig{
		Executor: engine.ExecutorFunc(func(ctx context.Context, task *engine.Task) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}),
	})
	if err != nil {
		log.Fatal(err)
	}

	result, err := scheduler.Run(context.Background(), graph, engine.ScheduleOptions{})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Executed %d tasks, %d succeeded\n", ran, result.Summary.Succeeded)

	// Output:
	// Level 0: :lib:compile :docs:build
	// Level 1: :lib:jar
	// Level 2: :app:compile
	// Executed 4 tasks, 4 succeeded
}
