package main

import (
	"fmt"
	"io"

	"github.com/flowforge/corewf/internal/config"
	"github.com/flowforge/corewf/workflow"
	"github.com/flowforge/corewf/workflow/agent"
	"github.com/flowforge/corewf/workflow/agent/anthropic"
	"github.com/flowforge/corewf/workflow/agent/google"
	"github.com/flowforge/corewf/workflow/agent/openai"
	"github.com/flowforge/corewf/workflow/broadcast"
	"github.com/flowforge/corewf/workflow/store"
)

// openStore opens the event store named by cfg.Store.Driver. "memory" is the
// default so workflowctl runs out of the box with no external dependency.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemStore(workflow.StoreTransitionValidator), nil
	case "sqlite":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store-dsn is required for the sqlite driver")
		}
		return store.NewSQLiteStore(cfg.Store.DSN, workflow.StoreTransitionValidator)
	case "mysql":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store-dsn is required for the mysql driver")
		}
		return store.NewMySQLStore(cfg.Store.DSN, workflow.StoreTransitionValidator)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// chatModelFor builds the ChatModel for a given provider name, using the
// matching ProviderConfig's API key and model override. An empty or
// unrecognized provider falls back to a scripted MockChatModel so
// workflowctl has a usable default when no provider credentials are
// configured.
func chatModelFor(cfg *config.Config, provider string) agent.ChatModel {
	switch provider {
	case "anthropic":
		return anthropic.NewChatModel(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.Model)
	case "openai":
		return openai.NewChatModel(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.Model)
	case "google":
		return google.NewChatModel(cfg.Providers.Google.APIKey, cfg.Providers.Google.Model)
	default:
		return &agent.MockChatModel{
			Responses: []agent.ChatOut{{Text: "(mock) no provider configured; nothing to do."}},
		}
	}
}

// newRegistry wires a Registry whose ExecutorFactory hands every node a
// SessionFactory built from the chosen provider, sharing one Capture
// Pipeline across the Registry's Supervisors and their sessions.
func newRegistry(cfg *config.Config, st store.Store, hub *broadcast.Hub, provider string) (*workflow.Registry, error) {
	var registry *workflow.Registry
	execFor := func(runID, sessionID string) workflow.NodeExecutor {
		return workflow.NewSessionFactory(runID, sessionID,
			func(string) agent.ChatModel { return chatModelFor(cfg, provider) },
			func(string) []agent.Tool { return []agent.Tool{agent.NewHTTPTool()} },
			nil,
			registry.Capture(),
		)
	}

	var err error
	registry, err = workflow.NewRegistry(st, hub, execFor, cfg.Workers)
	return registry, err
}

func printRun(w io.Writer, run store.RunRow) {
	fmt.Fprintf(w, "run %s  status=%s  task=%q\n", run.ID, run.Status, run.Task)
}
