package wizard

import (
	"context"
	"fmt"
	"time"

	"github.com/studioloom/conductor/internal/core/faults"
	"github.com/studioloom/conductor/internal/infra/comfy"
)

const pollInterval = 2 * time.Second

// RegisterBuiltins installs the stock wizard types. Control wiring calls this
// once at startup; add-on types register through the same table.
func RegisterBuiltins(reg *TypeRegistry) error {
	builtins := []Definition{
		{
			Type:           "image",
			RequiredFields: []string{"workflow"},
			Steps: []Step{
				{Name: "submit", Run: submitWorkflow},
				{Name: "await", Run: awaitCompletion},
			},
		},
		{
			Type:           "video",
			RequiredFields: []string{"workflow", "frames"},
			Steps: []Step{
				{Name: "submit", Run: submitWorkflow},
				{Name: "await", Run: awaitCompletion},
				{Name: "collect", Run: collectOutputs},
			},
		},
	}
	for _, def := range builtins {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// submitWorkflow posts the workflow graph and records the backend's prompt id.
func submitWorkflow(ctx context.Context, sc *StepContext) (map[string]any, error) {
	workflow, ok := sc.FormData["workflow"].(map[string]any)
	if !ok {
		return nil, faults.DataContract("form field workflow must be a workflow graph")
	}

	result, err := sc.Client.SubmitPrompt(ctx, sc.WizardID, workflow)
	if err != nil {
		return nil, err
	}
	sc.Log.Debug("workflow submitted",
		"wizard_id", sc.WizardID, "prompt_id", result.PromptID,
		"instance", sc.Instance.Config.Name)
	return map[string]any{"prompt_id": result.PromptID}, nil
}

// awaitCompletion waits for the prompt to finish. Progress streams over the
// backend websocket; polling history covers sockets that never connect or
// drop the final frame. Cancellation comes from ctx; there is no per-step
// deadline of its own.
func awaitCompletion(ctx context.Context, sc *StepContext) (map[string]any, error) {
	promptID, ok := sc.FormData["prompt_id"].(string)
	if !ok || promptID == "" {
		return nil, faults.DataContract("form data carries no prompt_id to await")
	}

	// Fast prompts are in history before the await step even starts.
	entry, err := sc.Client.History(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if outputs, done := completedOutputs(entry); done {
		return map[string]any{"outputs": outputs}, nil
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watcher := comfy.NewProgressWatcher(sc.Instance.Addr(), sc.WizardID, sc.Log)
	go watcher.Run(watchCtx)
	events := watcher.Events()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Give the backend a stop signal before abandoning the wait.
			_ = sc.Client.Interrupt(context.WithoutCancel(ctx))
			return nil, faults.Timeout(
				fmt.Sprintf("wait for prompt %s interrupted", promptID),
				faults.WithCause(ctx.Err()))

		case ev, open := <-events:
			if !open {
				events = nil
				continue
			}
			if ev.PromptID != "" && ev.PromptID != promptID {
				continue
			}
			switch ev.Kind {
			case comfy.EventProgress:
				sc.Log.Debug("generation progress",
					"wizard_id", sc.WizardID, "prompt_id", promptID,
					"value", ev.Value, "max", ev.Max)
			case comfy.EventError:
				msg := ev.Message
				if msg == "" {
					msg = fmt.Sprintf("prompt %s failed during execution", promptID)
				}
				return nil, faults.Generation(msg, faults.WithDetails(map[string]any{
					"prompt_id": promptID, "node": ev.Node}))
			case comfy.EventInterrupted:
				return nil, faults.Generation(
					fmt.Sprintf("prompt %s interrupted by backend", promptID))
			case comfy.EventExecuting:
				// A null node on executing means the prompt left the queue;
				// history may lag the socket by a beat, so a miss here just
				// leaves the next poll to pick the outputs up.
				if ev.Node != "" {
					continue
				}
				entry, err := sc.Client.History(ctx, promptID)
				if err != nil {
					return nil, err
				}
				if outputs, done := completedOutputs(entry); done {
					return map[string]any{"outputs": outputs}, nil
				}
			}

		case <-ticker.C:
			entry, err := sc.Client.History(ctx, promptID)
			if err != nil {
				return nil, err
			}
			if outputs, done := completedOutputs(entry); done {
				return map[string]any{"outputs": outputs}, nil
			}
		}
	}
}

// collectOutputs normalizes the awaited outputs into a flat gallery list.
func collectOutputs(ctx context.Context, sc *StepContext) (map[string]any, error) {
	outputs, ok := sc.FormData["outputs"].(map[string]any)
	if !ok {
		return nil, faults.DataContract("form data carries no outputs to collect")
	}

	var gallery []any
	for _, nodeOut := range outputs {
		node, ok := nodeOut.(map[string]any)
		if !ok {
			continue
		}
		for _, kind := range []string{"images", "gifs", "videos"} {
			if items, ok := node[kind].([]any); ok {
				gallery = append(gallery, items...)
			}
		}
	}
	return map[string]any{"gallery": gallery}, nil
}

// completedOutputs extracts outputs from a history entry once present.
func completedOutputs(entry map[string]any) (map[string]any, bool) {
	if entry == nil {
		return nil, false
	}
	if status, ok := entry["status"].(map[string]any); ok {
		if completed, ok := status["completed"].(bool); ok && !completed {
			return nil, false
		}
	}
	outputs, ok := entry["outputs"].(map[string]any)
	return outputs, ok
}
