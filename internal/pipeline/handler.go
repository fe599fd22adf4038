package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/mindfold/mindfold/pkg/cache"
	"github.com/mindfold/mindfold/pkg/segment"
)

// renderRequest is the JSON body for POST /render.
type renderRequest struct {
	Script []struct {
		Text       string  `json:"text"`
		PauseAfter float64 `json:"pauseAfter"`
	} `json:"script"`
	Voice struct {
		ID     string `json:"id"`
		Gender string `json:"gender"`
		Style  string `json:"style"`
	} `json:"voice"`
	Language string `json:"language"`
}

// renderedSegmentJSON mirrors [RenderedSegment] for the wire.
type renderedSegmentJSON struct {
	Index      int           `json:"index"`
	Text       string        `json:"text"`
	PauseAfter float64       `json:"pauseAfter"`
	SegmentID  string        `json:"segmentId,omitempty"`
	AudioURL   string        `json:"audioUrl"`
	Duration   float64       `json:"duration"`
	Outcome    cache.Outcome `json:"outcome"`
}

// RenderHandler serves a render request for a segmented script. Body:
//
//	{"script": [{"text", "pauseAfter"}], "voice": {"id", "gender", "style"}, "language"}
//
// Register it on the caller's router, typically as POST /render.
func RenderHandler(p *Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Script) == 0 {
			respondError(w, http.StatusBadRequest, "script must not be empty")
			return
		}
		if req.Voice.ID == "" {
			respondError(w, http.StatusBadRequest, "voice.id is required")
			return
		}
		for _, ss := range req.Script {
			if ss.Text == "" {
				respondError(w, http.StatusBadRequest, "script segments must not have empty text")
				return
			}
		}

		script := make([]ScriptSegment, len(req.Script))
		for i, ss := range req.Script {
			script[i] = ScriptSegment{Text: ss.Text, PauseAfter: ss.PauseAfter}
		}
		voice := segment.Voice{ID: req.Voice.ID, Gender: req.Voice.Gender, Style: req.Voice.Style}

		rendered, err := p.Render(r.Context(), script, voice, req.Language)
		if err != nil {
			if r.Context().Err() != nil {
				// Client went away; nothing useful to write.
				return
			}
			p.logger.Error("render failed", "error", err)
			respondError(w, http.StatusBadGateway, "synthesis failed")
			return
		}

		out := make([]renderedSegmentJSON, len(rendered))
		for i, rs := range rendered {
			out[i] = renderedSegmentJSON{
				Index:      rs.Index,
				Text:       rs.Text,
				PauseAfter: rs.PauseAfter,
				SegmentID:  rs.SegmentID,
				AudioURL:   rs.AudioURL,
				Duration:   rs.Duration,
				Outcome:    rs.Outcome,
			}
		}
		respondJSON(w, http.StatusOK, map[string]any{"segments": out})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
