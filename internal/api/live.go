package api

import (
	"encoding/json"
	"net/http"
)

// Status is the server summary shown by the control panel.
type Status struct {
	State     string   `json:"state"`
	Addr      string   `json:"addr"`
	Version   string   `json:"version"`
	Clients   int      `json:"clients"`
	Pipelines int      `json:"pipelines"`
	Routes    []string `json:"routes"`
}

func handleStatus(w http.ResponseWriter, r *http.Request, status func() Status) {
	writeJSON(w, http.StatusOK, status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
