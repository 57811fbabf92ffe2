package laumetrics

import (
	"encoding/json"
	"net/http"

	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/gorilla/mux"
)

type titleOutput struct {
	ID          string               `json:"id"`
	DisplayName string               `json:"display_name"`
	Backend     lautypes.BackendKind `json:"backend"`
}

// /metrics plus the read-only status API, instrumented
func (m *Controller) Handler(titles []Stated) http.Handler {
	router := mux.NewRouter()

	byID := map[string]Stated{}
	for _, title := range titles {
		byID[title.Title().ID] = title
	}

	router.Handle("/metrics", m.MetricsHTTPHandler()).Methods(http.MethodGet)

	router.HandleFunc("/api/titles", func(w http.ResponseWriter, r *http.Request) {
		out := []titleOutput{}
		for _, title := range titles {
			t := title.Title()

			out = append(out, titleOutput{
				ID:          t.ID,
				DisplayName: t.DisplayName,
				Backend:     t.Backend,
			})
		}

		ignoreError(outJson(w, out))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/titles/{id}/state", func(w http.ResponseWriter, r *http.Request) {
		title, found := byID[mux.Vars(r)["id"]]
		if !found {
			http.Error(w, "title not found", http.StatusNotFound)
			return
		}

		ignoreError(outJson(w, title.Snapshot()))
	}).Methods(http.MethodGet)

	return m.WrapHTTPServer(router)
}

func outJson(w http.ResponseWriter, out interface{}) error {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func ignoreError(err error) {}
