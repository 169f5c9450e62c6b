package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vidforge/vidforge-backend/internal/app"
	"github.com/vidforge/vidforge-backend/internal/platform/envutil"
	"github.com/vidforge/vidforge-backend/internal/queue"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to init app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	registerHandlers(a)

	if err := a.Start(); err != nil {
		a.Log.Error("Failed to start background loops", "error", err)
		os.Exit(1)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		a.Log.Info("Shutting down...")
		a.Close()
		os.Exit(0)
	}()

	a.Log.Info("Server listening", "port", a.Cfg.Port)
	if err := a.Run(); err != nil {
		a.Log.Error("Server failed", "error", err)
	}
}

// registerHandlers wires the job types this process executes. The render
// handler forwards the payload to the renderer when RENDERER_URL is set;
// without one it completes immediately, which keeps local development and
// smoke tests self-contained.
func registerHandlers(a *app.App) {
	rendererURL := envutil.String("RENDERER_URL", "")
	client := &http.Client{Timeout: 60 * time.Second}

	if err := a.Registry.Register(queue.HandlerFunc{
		JobType: "render",
		Fn: func(jc *queue.JobContext) error {
			if rendererURL == "" {
				jc.SetOutput(map[string]any{"renderer": "noop", "step": jc.Step()})
				return nil
			}
			req, err := http.NewRequestWithContext(jc.Ctx, http.MethodPost, rendererURL, bytes.NewReader(jc.RawPayload()))
			if err != nil {
				return fmt.Errorf("build renderer request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("call renderer: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return fmt.Errorf("renderer returned %d", resp.StatusCode)
			}
			jc.SetOutput(map[string]any{"renderer": rendererURL, "status": resp.StatusCode})
			return nil
		},
	}); err != nil {
		a.Log.Fatal("Register render handler failed", "error", err)
	}
}
