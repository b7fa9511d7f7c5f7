package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/avrtpro/avrt-firewall/pkg/pipeline"
	"github.com/avrtpro/avrt-firewall/pkg/transcribe"
)

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !decodeJSON(w, r, MaxBodyBytes, &req) {
		return
	}
	res, err := s.proc.Process(r.Context(), req.pipelineRequest(s.callerID(r)))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewValidationResponse(res))
}

// handleBatch answers 200 even when some items fail; each item carries its
// own result or problem.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decodeJSON(w, r, MaxBatchBodyBytes, &req) {
		return
	}
	caller := s.callerID(r)
	reqs := make([]pipeline.Request, len(req.Items))
	for i, item := range req.Items {
		reqs[i] = item.pipelineRequest(caller)
	}

	items, err := s.proc.ProcessBatch(r.Context(), reqs)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	resp := BatchResponse{Items: make([]BatchItemResponse, len(items))}
	for i, it := range items {
		resp.Items[i].Index = it.Index
		if it.Err != nil {
			p := ProblemFor(it.Err)
			p.Type = ProblemTypeBase + strconv.Itoa(p.Status)
			resp.Items[i].Error = p
			resp.Failed++
			continue
		}
		resp.Items[i].Result = NewValidationResponse(it.Result)
		resp.Succeeded++
	}
	writeJSON(w, http.StatusOK, resp)
}

// voiceForm holds the non-file fields of POST /v1/voice.
type voiceForm struct {
	Output   string            `json:"output" validate:"maxbytes=65536"`
	Context  map[string]string `json:"context" validate:"max=64,dive,keys,required,maxbytes=128,endkeys,maxbytes=4096"`
	Language string            `json:"language" validate:"omitempty,max=16"`
	Prompt   string            `json:"prompt" validate:"maxbytes=4096"`
	UserID   string            `json:"user_id" validate:"max=256"`
}

// handleVoice accepts multipart/form-data with an "audio" file plus
// optional output, context (a JSON object), language, prompt and user_id.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, transcribe.MaxAudioBytes+MaxBodyBytes)
	if err := r.ParseMultipartForm(MaxBodyBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Too Large", err.Error())
			return
		}
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "expected multipart/form-data: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("audio")
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "missing audio file")
		return
	}
	defer func() { _ = file.Close() }()
	audio, err := io.ReadAll(io.LimitReader(file, transcribe.MaxAudioBytes+1))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "unreadable audio file")
		return
	}

	form := voiceForm{
		Output:   r.FormValue("output"),
		Language: r.FormValue("language"),
		Prompt:   r.FormValue("prompt"),
		UserID:   r.FormValue("user_id"),
	}
	if raw := r.FormValue("context"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &form.Context); err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "context must be a JSON object of strings")
			return
		}
	}
	if err := validate.Struct(&form); err != nil {
		writeProblem(w, r, &ProblemDetail{
			Status: http.StatusBadRequest,
			Title:  "Validation Failed",
			Detail: "one or more fields are invalid",
			Errors: fieldErrors(err),
		})
		return
	}

	clip := transcribe.Request{
		Audio:    audio,
		Filename: header.Filename,
		Language: form.Language,
		Prompt:   form.Prompt,
	}
	if err := clip.Validate(); err != nil {
		WriteDomainError(w, r, err)
		return
	}

	userID := s.callerID(r)
	if userID == "" {
		userID = form.UserID
	}
	res, err := s.proc.ProcessVoice(r.Context(), pipeline.VoiceRequest{
		Audio:   clip,
		Output:  form.Output,
		Context: form.Context,
		UserID:  userID,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	resp := VoiceResponse{
		Transcript: res.Transcript.Text,
		Language:   res.Transcript.Language,
		DurationS:  res.Transcript.Duration,
	}
	if res.Result != nil {
		resp.Validation = NewValidationResponse(res.Result)
	}
	writeJSON(w, http.StatusOK, resp)
}
