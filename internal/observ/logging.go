package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

// Log emits one JSON line per event. Fields are merged with ts/level/event.
func Log(event string, kv map[string]any) {
	emit("info", event, kv)
}

// Warn emits a warning-level event line.
func Warn(event string, kv map[string]any) {
	emit("warn", event, kv)
}

// Error emits an error-level event line; err may be nil.
func Error(event string, err error, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	if err != nil {
		kv["error"] = err.Error()
	}
	emit("error", event, kv)
}

func emit(level, event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["level"] = level
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}
