package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/cube-tasks/internal/messaging"
	"github.com/ChuLiYu/cube-tasks/internal/transport"
	"github.com/ChuLiYu/cube-tasks/internal/worker"
	"github.com/ChuLiYu/cube-tasks/pkg/types"
)

const (
	demoApp       = "custom_mosaic_tool"
	scenesPerTask = 5
	sceneTime     = 400 * time.Millisecond
)

// simulator 模擬遠端資料立方體服務：每個任務依時間逐一處理場景
type simulator struct {
	mu      sync.Mutex
	nextID  int64
	started map[int64]time.Time
}

func (s *simulator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+demoApp+"/submit", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.started[id] = time.Now()
		s.mu.Unlock()
		reply(w, map[string]interface{}{"request_id": id})
	})
	mux.HandleFunc("/"+demoApp+"/result", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.FormValue("query_id"), 10, 64)
		s.mu.Lock()
		start, ok := s.started[id]
		s.mu.Unlock()

		if !ok {
			reply(w, map[string]interface{}{"msg": "ERROR", "error_msg": "Unknown task."})
			return
		}
		processed := int(time.Since(start) / sceneTime)
		if processed < scenesPerTask {
			reply(w, map[string]interface{}{
				"msg":    "WAIT",
				"result": map[string]interface{}{"scenes_processed": processed, "total_scenes": scenesPerTask},
			})
			return
		}
		reply(w, map[string]interface{}{
			"msg": "OK",
			"result": map[string]interface{}{
				"result": fmt.Sprintf("/static/results/%d.png", id),
				"data":   fmt.Sprintf("/static/results/%d.tif", id),
				"min_lat": 0, "max_lat": 1, "min_lon": 35, "max_lon": 36,
			},
		})
	})
	return mux
}

func reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	count := 3
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n <= 0 {
			fmt.Println("Usage: go run cmd/demo/main.go [task-count]")
			os.Exit(1)
		}
		count = n
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	sim := &simulator{started: make(map[int64]time.Time)}
	srv := &http.Server{Handler: sim.handler()}
	go srv.Serve(ln)
	defer srv.Close()

	fmt.Printf("✓ Simulated service listening on %s\n", ln.Addr())

	client, err := transport.NewClient(transport.Config{BaseURL: "http://" + ln.Addr().String(), App: demoApp})
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := messaging.NewChanSink(64)
	pool := worker.NewPool(count, client, events, worker.Config{PollInterval: 500 * time.Millisecond})
	if err := pool.Start(ctx, count); err != nil {
		log.Fatalf("Failed to start pool: %v", err)
	}

	for i := 0; i < count; i++ {
		cmd := types.Command{
			Command:    types.CommandNew,
			ResultType: "true_color",
			Form:       url.Values{"satellite": {"LANDSAT_7"}, "index": {strconv.Itoa(i)}},
			QueryID:    types.NoTaskID,
		}
		if err := pool.Submit(ctx, cmd); err != nil {
			log.Fatalf("Failed to submit: %v", err)
		}
	}
	fmt.Printf("✓ Submitted %d tasks\n", count)
	fmt.Printf("💡 Press Ctrl+C to discard the running tasks\n\n")

	go pool.Stop()

	finished := 0
	for finished < count {
		select {
		case ev := <-events.C():
			switch ev.Event {
			case types.EventStart:
				fmt.Printf("🚀 Task %s started\n", ev.TaskID)
			case types.EventUpdate:
				fmt.Printf("📊 Task %s: %.0f%%\n", ev.TaskID, ev.ProgressPercent)
			case types.EventResult:
				fmt.Printf("✅ Task %s done: %s\n", ev.TaskID, ev.Task.Result.ImageURL)
				finished++
			case types.EventError:
				fmt.Printf("❌ Task %s failed: %s\n", ev.TaskID, ev.Message)
				finished++
			}
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, discarding tasks...")
			go func() {
				for range events.C() {
				}
			}()
			for range pool.Results() {
			}
			fmt.Println("✓ Tasks discarded")
			return
		}
	}

	for res := range pool.Results() {
		fmt.Printf("  Task %s: %s in %v\n", res.TaskID, res.State, res.Duration.Round(time.Millisecond))
	}
}
