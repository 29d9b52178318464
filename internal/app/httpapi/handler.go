// Package httpapi exposes the router's REST surface.
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/extension_router/internal/app/audit"
	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/request"
	"github.com/R3E-Network/extension_router/internal/app/domain/reward"
	"github.com/R3E-Network/extension_router/internal/app/metrics"
	"github.com/R3E-Network/extension_router/internal/app/services/dispatcher"
	"github.com/R3E-Network/extension_router/internal/app/services/permissions"
	"github.com/R3E-Network/extension_router/internal/app/services/registry"
	"github.com/R3E-Network/extension_router/internal/app/services/rewards"
	"github.com/R3E-Network/extension_router/internal/app/storage"
	"github.com/R3E-Network/extension_router/internal/middleware"
	"github.com/R3E-Network/extension_router/pkg/logger"
)

// Services bundles the application services the API fronts.
type Services struct {
	Registry    *registry.Service
	Permissions *permissions.Service
	Dispatcher  *dispatcher.Service
	Rewards     *rewards.Service
	Metadata    storage.MetadataStore
	Audit       *audit.Log
}

type handler struct {
	svc Services
	log *logger.Logger
}

// NewHandler returns the router's REST API on a gorilla mux.
func NewHandler(svc Services, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{svc: svc, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/extensions", h.listExtensions).Methods(http.MethodGet)
	r.HandleFunc("/extensions", h.addExtension).Methods(http.MethodPost)
	r.HandleFunc("/extensions/{name}", h.getExtension).Methods(http.MethodGet)
	r.HandleFunc("/extensions/{name}", h.updateExtension).Methods(http.MethodPut)
	r.HandleFunc("/extensions/{name}", h.removeExtension).Methods(http.MethodDelete)
	r.HandleFunc("/extensions/{name}/implementation", h.getImplementation).Methods(http.MethodGet)
	r.HandleFunc("/extensions/{name}/functions", h.getFunctions).Methods(http.MethodGet)

	r.HandleFunc("/selectors", h.listSelectors).Methods(http.MethodGet)
	r.HandleFunc("/selectors/{selector}", h.getSelector).Methods(http.MethodGet)
	r.HandleFunc("/selectors/{selector}/implementation", h.getSelectorImplementation).Methods(http.MethodGet)

	r.HandleFunc("/dispatch", h.dispatch).Methods(http.MethodPost)

	r.HandleFunc("/signers", h.listSigners).Methods(http.MethodGet)
	r.HandleFunc("/signers/{signer}", h.getSigner).Methods(http.MethodGet)
	r.HandleFunc("/signers/{signer}/active", h.isActiveSigner).Methods(http.MethodGet)
	r.HandleFunc("/admins", h.listAdmins).Methods(http.MethodGet)
	r.HandleFunc("/admins", h.setAdmin).Methods(http.MethodPost)
	r.HandleFunc("/admins/{account}", h.isAdmin).Methods(http.MethodGet)

	r.HandleFunc("/signed/extensions/add", h.signedAddExtension).Methods(http.MethodPost)
	r.HandleFunc("/signed/extensions/update", h.signedUpdateExtension).Methods(http.MethodPost)
	r.HandleFunc("/signed/extensions/remove", h.signedRemoveExtension).Methods(http.MethodPost)
	r.HandleFunc("/signed/permissions/set", h.signedSetPermissions).Methods(http.MethodPost)
	r.HandleFunc("/signed/permissions/verify", h.verifyPermissionRequest).Methods(http.MethodPost)
	r.HandleFunc("/signed/rewards/register", h.signedRegisterReward).Methods(http.MethodPost)
	r.HandleFunc("/signed/rewards/unregister", h.signedUnregisterReward).Methods(http.MethodPost)
	r.HandleFunc("/signed/rewards/claim", h.signedClaimReward).Methods(http.MethodPost)

	r.HandleFunc("/rewards", h.listRewards).Methods(http.MethodGet)
	r.HandleFunc("/rewards", h.registerReward).Methods(http.MethodPost)
	r.HandleFunc("/rewards/{id}", h.getReward).Methods(http.MethodGet)
	r.HandleFunc("/rewards/{id}", h.unregisterReward).Methods(http.MethodDelete)
	r.HandleFunc("/rewards/{id}/claim", h.claimReward).Methods(http.MethodPost)

	r.HandleFunc("/metadata/{key}", h.getMetadata).Methods(http.MethodGet)
	r.HandleFunc("/metadata/{key}", h.setMetadata).Methods(http.MethodPut)

	r.HandleFunc("/audit", h.recentAudit).Methods(http.MethodGet)

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- extensions -------------------------------------------------------------

func (h *handler) listExtensions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) addExtension(w http.ResponseWriter, r *http.Request) {
	var d extension.Descriptor
	if err := decodeJSON(r.Body, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller := middleware.CallerFromContext(r.Context())
	if err := h.svc.Dispatcher.AddExtension(r.Context(), caller, d); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *handler) getExtension(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Registry.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if d.IsZero() {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", extension.ErrNotFound, mux.Vars(r)["name"]))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) updateExtension(w http.ResponseWriter, r *http.Request) {
	var d extension.Descriptor
	if err := decodeJSON(r.Body, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if name := mux.Vars(r)["name"]; d.Name == "" {
		d.Name = name
	} else if d.Name != name {
		writeError(w, http.StatusBadRequest, fmt.Errorf("descriptor name %q does not match path %q", d.Name, name))
		return
	}
	caller := middleware.CallerFromContext(r.Context())
	if err := h.svc.Dispatcher.UpdateExtension(r.Context(), caller, d); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) removeExtension(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	if err := h.svc.Dispatcher.RemoveExtension(r.Context(), caller, mux.Vars(r)["name"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getImplementation(w http.ResponseWriter, r *http.Request) {
	impl, err := h.svc.Registry.Implementation(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"implementation": impl})
}

func (h *handler) getFunctions(w http.ResponseWriter, r *http.Request) {
	fns, err := h.svc.Registry.FunctionsOf(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, fns)
}

// --- selector index ---------------------------------------------------------

func (h *handler) listSelectors(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]extension.SelectorRecord, 0)
	for _, d := range list {
		for _, fn := range d.Functions {
			out = append(out, extension.SelectorRecord{
				Selector:       fn.Selector,
				Extension:      d.Name,
				Implementation: d.Implementation,
				Signature:      fn.Signature,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getSelector(w http.ResponseWriter, r *http.Request) {
	sel, err := extension.ParseSelector(mux.Vars(r)["selector"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.svc.Registry.ForFunction(r.Context(), sel)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if rec.Extension == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", extension.ErrNoExtensionForSelector, sel))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) getSelectorImplementation(w http.ResponseWriter, r *http.Request) {
	sel, err := extension.ParseSelector(mux.Vars(r)["selector"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	impl, err := h.svc.Registry.ImplementationForFunction(r.Context(), sel)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if impl == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", extension.ErrNoExtensionForSelector, sel))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"implementation": impl})
}

// --- dispatch ---------------------------------------------------------------

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Selector string   `json:"selector"`
		Value    *big.Int `json:"value,omitempty"`
		Input    []byte   `json:"input,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sel, err := extension.ParseSelector(payload.Selector)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out, err := h.svc.Dispatcher.HandleCall(r.Context(), dispatcher.CallContext{
		Selector: sel,
		Caller:   middleware.CallerFromContext(r.Context()),
		Value:    payload.Value,
		Input:    payload.Input,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": out})
}

// --- signers and admins -----------------------------------------------------

func (h *handler) listSigners(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Permissions.ListSigners(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getSigner(w http.ResponseWriter, r *http.Request) {
	perm, err := h.svc.Permissions.GetPermissionsForSigner(r.Context(), mux.Vars(r)["signer"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if perm.IsZero() {
		writeError(w, http.StatusNotFound, fmt.Errorf("no permissions for signer %s", mux.Vars(r)["signer"]))
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (h *handler) isActiveSigner(w http.ResponseWriter, r *http.Request) {
	active, err := h.svc.Permissions.IsActiveSigner(r.Context(), mux.Vars(r)["signer"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

func (h *handler) listAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.svc.Permissions.ListAdmins(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, admins)
}

func (h *handler) setAdmin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Account string `json:"account"`
		IsAdmin bool   `json:"is_admin"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller := middleware.CallerFromContext(r.Context())
	if err := h.svc.Permissions.SetAdmin(r.Context(), caller, payload.Account, payload.IsAdmin); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) isAdmin(w http.ResponseWriter, r *http.Request) {
	admin, err := h.svc.Permissions.IsAdmin(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"admin": admin})
}

// --- signed envelopes -------------------------------------------------------

// signedEnvelope carries an off-chain signed request plus its compact
// recoverable signature as 0x-prefixed hex.
type signedEnvelope struct {
	Request   request.SignedRequest `json:"request"`
	Signature string                `json:"signature"`
}

func (e signedEnvelope) decode() (request.SignedRequest, []byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(e.Signature), "0x")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return request.SignedRequest{}, nil, fmt.Errorf("signature must be hex: %w", err)
	}
	return e.Request, sig, nil
}

func (h *handler) signedMutation(w http.ResponseWriter, r *http.Request, fn func(context.Context, request.SignedRequest, []byte) error) {
	var env signedEnvelope
	if err := decodeJSON(r.Body, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, sig, err := env.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(r.Context(), req, sig); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "uid": req.UID})
}

func (h *handler) signedAddExtension(w http.ResponseWriter, r *http.Request) {
	h.signedMutation(w, r, h.svc.Dispatcher.AddExtensionWithSignature)
}

func (h *handler) signedUpdateExtension(w http.ResponseWriter, r *http.Request) {
	h.signedMutation(w, r, h.svc.Dispatcher.UpdateExtensionWithSignature)
}

func (h *handler) signedRemoveExtension(w http.ResponseWriter, r *http.Request) {
	h.signedMutation(w, r, h.svc.Dispatcher.RemoveExtensionWithSignature)
}

func (h *handler) signedSetPermissions(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeJSON(r.Body, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, sig, err := env.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := h.svc.Permissions.SetPermissionsForSigner(r.Context(), req, sig)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *handler) verifyPermissionRequest(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeJSON(r.Body, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, sig, err := env.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, signer := h.svc.Permissions.VerifySignerPermissionRequest(r.Context(), req, sig)
	writeJSON(w, http.StatusOK, map[string]any{"valid": ok, "signer": signer})
}

func (h *handler) signedRegisterReward(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeJSON(r.Body, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, sig, err := env.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.svc.Rewards.RegisterWithSignature(r.Context(), req, sig)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) signedUnregisterReward(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeJSON(r.Body, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, sig, err := env.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.svc.Rewards.UnregisterWithSignature(r.Context(), req, sig); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) signedClaimReward(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if err := decodeJSON(r.Body, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, sig, err := env.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.svc.Rewards.ClaimWithSignature(r.Context(), req, sig)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- rewards ----------------------------------------------------------------

func (h *handler) listRewards(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Rewards.List(r.Context(), r.URL.Query().Get("recipient"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) registerReward(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	admin, err := h.svc.Permissions.IsAdmin(r.Context(), caller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !admin {
		writeServiceError(w, fmt.Errorf("%w: %s cannot register rewards", permission.ErrUnauthorized, caller))
		return
	}

	var rec reward.Reward
	if err := decodeJSON(r.Body, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.svc.Rewards.Register(r.Context(), rec)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *handler) getReward(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Rewards.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if rec.ID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", reward.ErrRewardNotFound, mux.Vars(r)["id"]))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) unregisterReward(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	admin, err := h.svc.Permissions.IsAdmin(r.Context(), caller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !admin {
		writeServiceError(w, fmt.Errorf("%w: %s cannot unregister rewards", permission.ErrUnauthorized, caller))
		return
	}
	if err := h.svc.Rewards.Unregister(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) claimReward(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	if caller == "" {
		writeServiceError(w, fmt.Errorf("%w: claim requires an authenticated caller", permission.ErrUnauthorized))
		return
	}
	rec, err := h.svc.Rewards.Claim(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- metadata and audit -----------------------------------------------------

func (h *handler) getMetadata(w http.ResponseWriter, r *http.Request) {
	value, err := h.svc.Metadata.GetMetadata(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": value})
}

func (h *handler) setMetadata(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	admin, err := h.svc.Permissions.IsAdmin(r.Context(), caller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !admin {
		writeServiceError(w, fmt.Errorf("%w: %s cannot set metadata", permission.ErrUnauthorized, caller))
		return
	}

	var payload struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.svc.Metadata.SetMetadata(r.Context(), mux.Vars(r)["key"], payload.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) recentAudit(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	admin, err := h.svc.Permissions.IsAdmin(r.Context(), caller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !admin {
		writeServiceError(w, fmt.Errorf("%w: %s cannot read the audit log", permission.ErrUnauthorized, caller))
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Audit.Recent(100))
}

// --- helpers ----------------------------------------------------------------

func decodeJSON(r io.Reader, dst any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeServiceError maps the domain error taxonomy onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, extension.ErrNotFound),
		errors.Is(err, extension.ErrNoExtensionForSelector),
		errors.Is(err, reward.ErrRewardNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, extension.ErrDuplicateExtension),
		errors.Is(err, extension.ErrSelectorConflict),
		errors.Is(err, reward.ErrRewardClaimed),
		errors.Is(err, request.ErrRequestReplayed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, permission.ErrUnauthorized),
		errors.Is(err, request.ErrRequestExpired),
		errors.Is(err, request.ErrRequestNotYetValid):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, request.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}
