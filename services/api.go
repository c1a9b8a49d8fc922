package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/coordinator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/go-chi/chi/v5"
)

// DefaultMaxMessageSize bounds request bodies of participant messages.
const DefaultMaxMessageSize = 64 << 20

// Coordinator is the part of coordinator.Coordinator the API serves.
type Coordinator interface {
	Submit(ctx context.Context, tag protocol.Tag, roundID uint64, raw []byte) error
	Status() coordinator.Status
	SignedRoundParameters() []byte
	CurrentRoundParameters() *protocol.RoundParameters
	SumDict() protocol.SumDict
	SeedDictFor(sumPK string) (protocol.SeedColumn, bool)
	GlobalModel() (aggregator.Model, string)
}

// SumsResponse is the frozen sum dictionary of a round.
type SumsResponse struct {
	RoundID uint64           `json:"round_id"`
	Sums    protocol.SumDict `json:"sums"`
}

// SeedsResponse holds the seeds update participants sealed for one sum
// participant.
type SeedsResponse struct {
	RoundID uint64              `json:"round_id"`
	SumPK   string              `json:"sum_pk"`
	Seeds   protocol.SeedColumn `json:"seeds"`
}

// ModelResponse is the current global model.
type ModelResponse struct {
	Reference string           `json:"reference"`
	Weights   aggregator.Model `json:"weights"`
}

// MessageResponse acknowledges an accepted participant message.
type MessageResponse struct {
	Status string `json:"status"`
}

// API is the participant-facing HTTP API of a coordinator. Read-side JSON
// documents are signed with the coordinator key.
type API struct {
	coord          Coordinator
	signer         crypto.PrivateKey
	log            *slog.Logger
	maxMessageSize int64
}

// NewAPI creates the API. maxMessageSize defaults to DefaultMaxMessageSize
// when zero.
func NewAPI(coord Coordinator, signer crypto.PrivateKey, log *slog.Logger, maxMessageSize int64) *API {
	if log == nil {
		log = slog.Default()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &API{coord: coord, signer: signer, log: log, maxMessageSize: maxMessageSize}
}

// RegisterRoutes mounts the API under /v1.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/message/{phase}/{round}", a.handleMessage)
		r.Get("/params", a.handleParams)
		r.Get("/params.json", a.handleParamsJSON)
		r.Get("/sums", a.handleSums)
		r.Get("/seeds/{sum_pk}", a.handleSeeds)
		r.Get("/model", a.handleModel)
		r.Get("/status", a.handleStatus)
	})
}

func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	tag, err := protocol.ParseTag(chi.URLParam(r, "phase"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	roundID, err := strconv.ParseUint(chi.URLParam(r, "round"), 10, 64)
	if err != nil {
		http.Error(w, "invalid round id", http.StatusBadRequest)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.coord.Submit(r.Context(), tag, roundID, raw); err != nil {
		code := StatusCode(err)
		if code == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		if code == http.StatusInternalServerError {
			a.log.Error("Submission failed", "phase", tag, "round", roundID, "err", err)
		}
		http.Error(w, err.Error(), code)
		return
	}

	writeJSON(w, http.StatusAccepted, &MessageResponse{Status: "accepted"})
}

// StatusCode maps a submission error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrShutdown),
		errors.Is(err, coordinator.ErrBusy),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case coordinator.IsProtocolError(err):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrMalformed),
		errors.Is(err, protocol.ErrVersionMismatch),
		errors.Is(err, crypto.ErrForged),
		errors.Is(err, crypto.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, aggregator.ErrDimensionMismatch),
		errors.Is(err, aggregator.ErrDuplicateContributor),
		errors.Is(err, aggregator.ErrTooManyContributions),
		errors.Is(err, aggregator.ErrInvalidElement),
		errors.Is(err, aggregator.ErrNoPhase):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (a *API) handleParams(w http.ResponseWriter, r *http.Request) {
	signed := a.coord.SignedRoundParameters()
	if signed == nil {
		http.Error(w, "no round in progress", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(signed)
}

func (a *API) handleParamsJSON(w http.ResponseWriter, r *http.Request) {
	params := a.coord.CurrentRoundParameters()
	if params == nil {
		http.Error(w, "no round in progress", http.StatusServiceUnavailable)
		return
	}
	writeSigned(a, w, params)
}

func (a *API) handleSums(w http.ResponseWriter, r *http.Request) {
	roundID := a.coord.Status().RoundID
	sums := a.coord.SumDict()
	if sums == nil {
		http.Error(w, "sum dictionary not available in this phase", http.StatusNotFound)
		return
	}
	if a.coord.Status().RoundID != roundID {
		http.Error(w, "round advanced while reading", http.StatusConflict)
		return
	}
	writeSigned(a, w, &SumsResponse{RoundID: roundID, Sums: sums})
}

func (a *API) handleSeeds(w http.ResponseWriter, r *http.Request) {
	pk, err := crypto.NewPublicKeyFromString(chi.URLParam(r, "sum_pk"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid sum participant key: %v", err), http.StatusBadRequest)
		return
	}

	roundID := a.coord.Status().RoundID
	seeds, ok := a.coord.SeedDictFor(pk.String())
	if !ok {
		http.Error(w, "no seeds for this participant", http.StatusNotFound)
		return
	}
	if a.coord.Status().RoundID != roundID {
		http.Error(w, "round advanced while reading", http.StatusConflict)
		return
	}
	writeSigned(a, w, &SeedsResponse{RoundID: roundID, SumPK: pk.String(), Seeds: seeds})
}

func (a *API) handleModel(w http.ResponseWriter, r *http.Request) {
	model, ref := a.coord.GlobalModel()
	if model == nil {
		http.Error(w, "no global model yet", http.StatusNotFound)
		return
	}
	writeSigned(a, w, &ModelResponse{Reference: ref, Weights: model})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := a.coord.Status()
	writeJSON(w, http.StatusOK, &status)
}

// writeSigned wraps obj in a protocol.Signed envelope.
func writeSigned[T any](a *API, w http.ResponseWriter, obj *T) {
	signed, err := protocol.NewSigned(a.signer, obj)
	if err != nil {
		a.log.Error("Failed to sign response", "err", err)
		http.Error(w, "failed to sign response", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
