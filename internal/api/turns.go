package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/aki/internal/agent"
	"github.com/nugget/aki/internal/events"
	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/session"
)

// TurnRequest is the body of POST /v1/conversations/{id}/turns.
type TurnRequest struct {
	Message string      `json:"message"`
	Images  []llm.Image `json:"images,omitempty"`
	// Stream switches the response to server-sent events: one event per
	// TurnEvent, then a final "result" event.
	Stream bool `json:"stream,omitempty"`
}

// TurnResponse reports a finished turn.
type TurnResponse struct {
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	Reply          string    `json:"reply"`
	Usage          llm.Usage `json:"usage"`
	Iterations     int       `json:"iterations"`
	Stopped        bool      `json:"stopped"`
	Summarized     bool      `json:"summarized"`
	Recovered      bool      `json:"recovered"`
	TokenCount     int       `json:"token_count"`
}

func (r TurnRequest) input() (llm.Message, error) {
	if strings.TrimSpace(r.Message) == "" && len(r.Images) == 0 {
		return llm.Message{}, errors.New("message is required")
	}
	msg := llm.NewHumanMessage(r.Message)
	if r.Message == "" {
		msg.Blocks = nil
	}
	for _, img := range r.Images {
		msg.Blocks = append(msg.Blocks, llm.ImageBlock(img))
	}
	return msg, msg.Validate()
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	input, err := req.input()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	sl := s.claim(id)
	if sl == nil {
		s.errorResponse(w, http.StatusConflict, "a turn is already in flight for this conversation")
		return
	}
	defer s.release(id)

	st, err := s.loadOrCreate(r.Context(), id)
	if err != nil {
		s.logger.Error("load conversation failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	// Turns routinely outlive the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("failed to clear write deadline", "error", err)
	}

	if req.Stream {
		s.streamTurn(w, r, sl, st, input)
		return
	}

	turn := s.engine.Start(r.Context(), st, input, nil)
	sl.attach(turn)
	res, err := turn.Wait()
	s.save(r.Context(), st, err)
	if err != nil {
		s.turnError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, turnResponse(st, res), s.logger)
}

// streamTurn runs the turn and relays its events as server-sent events.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, sl *slot, st *agent.State, input llm.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := events.NewChannel(r.Context(), 64)
	turn := s.engine.Start(r.Context(), st, input, ch)
	sl.attach(turn)

	relay := func(ev events.TurnEvent) {
		s.writeSSE(w, ev.Kind, ev)
		flusher.Flush()
	}
loop:
	for {
		select {
		case ev := <-ch.Events():
			relay(ev)
		case <-turn.Done():
			break loop
		}
	}
	// Events still buffered when the turn finished.
	ch.Close()
	for ev := range ch.Events() {
		relay(ev)
	}

	res, err := turn.Wait()
	s.save(r.Context(), st, err)
	if err != nil {
		s.writeSSE(w, "error", map[string]string{"message": err.Error()})
	} else {
		s.writeSSE(w, "result", turnResponse(st, res))
	}
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

func (s *Server) loadOrCreate(ctx context.Context, id string) (*agent.State, error) {
	st, err := s.store.Load(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		st = agent.NewState(id, s.model)
		st.Workspace = s.workspace
		return st, nil
	}
	return st, err
}

// save persists st after a turn. A rejected input leaves nothing to save.
func (s *Server) save(ctx context.Context, st *agent.State, turnErr error) {
	if errors.Is(turnErr, agent.ErrInvalidInput) {
		return
	}
	if err := s.store.Save(context.WithoutCancel(ctx), st); err != nil {
		s.logger.Error("save conversation failed", "conversation", st.ID, "error", err)
	}
}

func (s *Server) turnError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, agent.ErrInvalidInput) {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("turn failed", "conversation", id, "error", err)
	s.errorResponse(w, http.StatusBadGateway, err.Error())
}

func turnResponse(st *agent.State, res *agent.Result) TurnResponse {
	return TurnResponse{
		ConversationID: st.ID,
		TurnID:         res.TurnID,
		Reply:          res.Reply.Text(),
		Usage:          res.Usage,
		Iterations:     res.Iterations,
		Stopped:        res.Stopped,
		Summarized:     res.Summarized,
		Recovered:      res.Recovered,
		TokenCount:     st.TokenCount,
	}
}
