package api

import (
	"context"
	"errors"
	"net/http"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/voxnote/voxnote/internal/app/gate"
	"github.com/voxnote/voxnote/internal/domain"
	"github.com/voxnote/voxnote/internal/infra/completion"
)

// ─── Gated Note Operations ──────────────────────────────────────────────────

type polishInput struct {
	Text string
}

type translateInput struct {
	Text           string
	TargetLanguage string
}

type completeInput struct {
	System string
	Prompt string
}

// noteGates holds the wrapped operations. A nil field means the operation
// has no configured cost and is not served.
type noteGates struct {
	polish    gate.Func[polishInput, completion.Result]
	translate gate.Func[translateInput, completion.Result]
	complete  gate.Func[completeInput, completion.Result]
}

type confirmKey struct{}

// requestConfirmer accepts the preview when the request carried confirm=true.
// Clients fetch the preview from /api/credits/preview first.
var requestConfirmer = gate.ConfirmFunc(func(ctx context.Context, _ domain.CostPreview) (bool, error) {
	ok, _ := ctx.Value(confirmKey{}).(bool)
	return ok, nil
})

func (s *Server) buildGates() *noteGates {
	opts := func(describe gate.Option) []gate.Option {
		return []gate.Option{
			gate.WithConfirmer(requestConfirmer),
			gate.WithTracer(s.tracer),
			gate.WithLogger(s.logger),
			describe,
		}
	}
	priced := func(op domain.Operation) bool {
		_, ok := s.credits.LookupCost(op)
		return ok
	}

	g := &noteGates{}
	if priced(domain.OpPolish) {
		g.polish = gate.Wrap(s.credits, domain.OpPolish,
			func(ctx context.Context, in polishInput) (completion.Result, error) {
				return s.notes.Polish(ctx, in.Text)
			},
			opts(gate.WithDescribe(func(in polishInput) map[string]any {
				return map[string]any{"characters": utf8.RuneCountInString(in.Text)}
			}))...)
	}
	if priced(domain.OpTranslate) {
		g.translate = gate.Wrap(s.credits, domain.OpTranslate,
			func(ctx context.Context, in translateInput) (completion.Result, error) {
				return s.notes.Translate(ctx, in.Text, in.TargetLanguage)
			},
			opts(gate.WithDescribe(func(in translateInput) map[string]any {
				return map[string]any{
					"characters":     utf8.RuneCountInString(in.Text),
					"targetLanguage": in.TargetLanguage,
				}
			}))...)
	}
	if priced(domain.OpComplete) {
		g.complete = gate.Wrap(s.credits, domain.OpComplete,
			func(ctx context.Context, in completeInput) (completion.Result, error) {
				return s.notes.Complete(ctx, in.System, in.Prompt)
			},
			opts(gate.WithDescribe(func(in completeInput) map[string]any {
				return map[string]any{
					"characters": utf8.RuneCountInString(in.Prompt),
					"hasSystem":  in.System != "",
				}
			}))...)
	}
	return g
}

func (s *Server) gates() *noteGates {
	s.gatesOnce.Do(func() { s.noteGates = s.buildGates() })
	return s.noteGates
}

type polishRequest struct {
	Text    string `json:"text"`
	Confirm bool   `json:"confirm"`
}

type completeRequest struct {
	Prompt  string `json:"prompt"`
	System  string `json:"system"`
	Confirm bool   `json:"confirm"`
}

type translateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"targetLanguage"`
	Confirm        bool   `json:"confirm"`
}

// POST /api/notes/polish
func (s *Server) handlePolish(w http.ResponseWriter, r *http.Request) {
	var req polishRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	polish := s.gates().polish
	if polish == nil {
		s.writeDomainError(w, domain.ErrUnknownOperation)
		return
	}
	ctx := context.WithValue(r.Context(), confirmKey{}, req.Confirm)
	res, err := polish(ctx, polishInput{Text: req.Text})
	s.writeNoteResult(w, domain.OpPolish, res, err)
}

// POST /api/notes/translate
func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Text == "" || req.TargetLanguage == "" {
		writeError(w, http.StatusBadRequest, "text and targetLanguage are required")
		return
	}
	translate := s.gates().translate
	if translate == nil {
		s.writeDomainError(w, domain.ErrUnknownOperation)
		return
	}
	ctx := context.WithValue(r.Context(), confirmKey{}, req.Confirm)
	res, err := translate(ctx, translateInput{Text: req.Text, TargetLanguage: req.TargetLanguage})
	s.writeNoteResult(w, domain.OpTranslate, res, err)
}

// POST /api/notes/complete
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	complete := s.gates().complete
	if complete == nil {
		s.writeDomainError(w, domain.ErrUnknownOperation)
		return
	}
	ctx := context.WithValue(r.Context(), confirmKey{}, req.Confirm)
	res, err := complete(ctx, completeInput{System: req.System, Prompt: req.Prompt})
	s.writeNoteResult(w, domain.OpComplete, res, err)
}

func (s *Server) writeNoteResult(w http.ResponseWriter, op domain.Operation, res completion.Result, err error) {
	charged := true
	if err != nil {
		if !errors.Is(err, domain.ErrChargeFailed) {
			s.writeDomainError(w, err)
			return
		}
		// The work is done; hand it over and flag the missed charge.
		s.logger.Warn("note result delivered uncharged", zap.String("operation", string(op)), zap.Error(err))
		charged = false
	}
	if res == (completion.Result{}) {
		charged = false
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"text":    res.Text,
		"model":   res.Model,
		"cost":    s.credits.Cost(op),
		"charged": charged,
		"balance": s.credits.Balance(),
	})
}
