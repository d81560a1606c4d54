package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kensa/internal/auth"
	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
)

const maxKeyLabelLen = 200

// HandleCreateKey handles POST /v1/api-keys (admin-only).
// Mints a workspace API key and returns the raw key exactly once. After this
// response only the prefix is recoverable.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAPIKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}
	if !req.Role.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be one of admin, reviewer, viewer")
		return
	}
	if len(req.Label) > maxKeyLabelLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "label is too long")
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expires_at must be in the future")
		return
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	created, err := h.db.CreateAPIKey(r.Context(), model.APIKey{
		WorkspaceID: ctxutil.WorkspaceIDFromContext(r.Context()),
		Prefix:      prefix,
		KeyHash:     hash,
		Subject:     req.Subject,
		Role:        req.Role,
		Label:       req.Label,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create api key", err)
		return
	}

	h.logger.Info("api key created",
		"api_key_id", created.ID,
		"subject", created.Subject,
		"role", created.Role,
		"created_by", ctxutil.ActorFromContext(r.Context()),
	)
	writeJSON(w, r, http.StatusCreated, model.APIKeyWithRawKey{APIKey: created, RawKey: rawKey})
}

// HandleRevokeKey handles DELETE /v1/api-keys/{key_id} (admin-only).
// Tokens already minted from the key stay valid until they expire.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := pathUUID(r, "key_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.RevokeAPIKey(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), keyID); err != nil {
		h.writeServiceError(w, r, "api key", err)
		return
	}

	h.logger.Info("api key revoked", "api_key_id", keyID, "revoked_by", ctxutil.ActorFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
