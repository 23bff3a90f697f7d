package runtime

import (
	"net/http"

	jsoncodec "github.com/drblury/streamflow/internal/runtime/jsoncodec"
)

func marshalJSON(v any) ([]byte, error) {
	return jsoncodec.Marshal(v)
}

// Handlers returns the registered handlers.
func (s *Service) Handlers() []*HandlerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*HandlerInfo(nil), s.handlers...)
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, s.Handlers()); err != nil {
		s.Logger.Error("Failed to encode handlers", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
