package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms/fake"

	"github.com/avi3tal/dagpipe/pkg/checkpoints"
	"github.com/avi3tal/dagpipe/pkg/llm"
	"github.com/avi3tal/dagpipe/pkg/pipeline"
	"github.com/avi3tal/dagpipe/pkg/router"
	"github.com/avi3tal/dagpipe/pkg/workflow"
)

const launch = `
nodes:
  - id: research
    fn: ask_model
    complexity: 0.8
    description: List the three main competitors of a note-taking app.
  - id: spec
    fn: ask_model
    depends_on: [research]
    complexity: 0.4
    description: Write a one-line product spec that stands out from the competitors.
    output_schema: spec
  - id: publish
    fn: publish
    depends_on: [spec]
    is_deterministic: true
schemas:
  spec:
    fields:
      - {name: title, type: string, required: true}
      - {name: tagline, type: string, required: true}
`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	def, err := workflow.Parse([]byte(launch))
	if err != nil {
		log.Fatal(err)
	}

	// Canned models stand in for real providers; any langchaingo llms.Model fits here.
	small := fake.NewFakeLLM([]string{
		`Here you go: {"title": "Jot"}`,
		`{"title": "Jot", "tagline": "Notes that link themselves"}`,
	})
	large := fake.NewFakeLLM([]string{"Notion, Evernote and Obsidian."})
	backup := fake.NewFakeLLM([]string{"Evernote."})

	r, err := router.New(
		router.Slot{Label: "small", Caller: llm.FromModel(small), Limit: 30},
		router.Slot{Label: "large", Caller: llm.FromModel(large), Limit: 5},
		router.Slot{Label: "backup", Caller: llm.FromModel(backup)},
		router.WithThreshold(0.6),
		router.WithLogger(logger),
	)
	if err != nil {
		log.Fatal(err)
	}

	dir, err := os.MkdirTemp("", "dagpipe-launch-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)
	store, err := checkpoints.NewFileStore(dir)
	if err != nil {
		log.Fatal(err)
	}

	registry := pipeline.Registry{}.
		Register("ask_model", pipeline.ModelHandler("You are a concise product strategist.")).
		RegisterFunc("publish", func(_ context.Context, in pipeline.Input) (any, error) {
			spec, _ := in.Dependency("spec")
			fields := spec.(map[string]any)
			return strings.ToUpper(fmt.Sprint(fields["title"])) + ": " + fmt.Sprint(fields["tagline"]), nil
		})

	app, err := workflow.NewApp(def, registry, workflow.WithPipelineOptions(
		pipeline.WithStore(store),
		pipeline.WithRouter(r),
		pipeline.WithLogger(logger),
		pipeline.WithOnNodeComplete(func(id string, result any, d time.Duration) error {
			fmt.Printf("%-8s %-6s %v\n", id, d.Round(time.Millisecond), result)
			return nil
		}),
	))
	if err != nil {
		log.Fatal(err)
	}

	for _, level := range app.Definition().Graph().Levels() {
		for _, t := range level {
			fmt.Printf("planned  %s\n", t.ID)
		}
	}

	res, err := app.Invoke(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("headline:", res.Terminal()["publish"])

	// A second run restores every task from the checkpoint directory.
	res, err = app.Invoke(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("second run restored %d tasks and executed %d\n", len(res.Restored), len(res.Executed))
}
