package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type envelope map[string]any

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response failed", slog.Any("err", err))
	}
}

func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, envelope{"data": data})
}

// Error пишет {"error": {"message", "meta"}}.
func Error(w http.ResponseWriter, status int, msg string, meta map[string]any) {
	body := envelope{"message": msg}
	if len(meta) > 0 {
		body["meta"] = meta
	}
	JSON(w, status, envelope{"error": body})
}
