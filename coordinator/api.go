package coordinator

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/status"
	"github.com/caffeineduck/twedge/topic"
)

type healthResponse struct {
	Status      string `json:"status"`
	Clients     int    `json:"clients"`
	Connections int    `json:"connections"`
}

type injectRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type deliveryResponse struct {
	Client string `json:"client"`
	Code   string `json:"code"`
	Error  string `json:"error,omitempty"`
}

// Handler returns the HTTP status API:
//
//	GET  /health
//	GET  /clients
//	GET  /subscriptions
//	POST /clients/{name}/shutdown
//	POST /inject   {"topic": "...", "payload": "..."}
func (c *Coordinator) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		c.writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Clients:     len(c.Clients()),
			Connections: c.Connections(),
		})
	})

	r.Get("/clients", func(w http.ResponseWriter, req *http.Request) {
		c.writeJSON(w, http.StatusOK, c.Clients())
	})

	r.Get("/subscriptions", func(w http.ResponseWriter, req *http.Request) {
		c.writeJSON(w, http.StatusOK, c.Subscriptions())
	})

	r.Post("/clients/{name}/shutdown", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		err := c.Shutdown(req.Context(), name)
		switch status.CodeOf(err) {
		case status.OK:
			w.WriteHeader(http.StatusAccepted)
		case status.NotFound:
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	})

	r.Post("/inject", func(w http.ResponseWriter, req *http.Request) {
		var body injectRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := topic.ValidateName(body.Topic); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		deliveries := c.HandleInbound(req.Context(), body.Topic, []byte(body.Payload))
		out := make([]deliveryResponse, 0, len(deliveries))
		for _, d := range deliveries {
			resp := deliveryResponse{Client: d.Client, Code: status.CodeOf(d.Err).String()}
			if d.Err != nil {
				resp.Error = d.Err.Error()
			}
			out = append(out, resp)
		}
		c.writeJSON(w, http.StatusOK, out)
	})

	return r
}

func (c *Coordinator) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.log.Debug("write response", zap.Error(err))
	}
}
