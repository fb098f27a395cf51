// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stacklok/mcp-gateway/pkg/authserver/oauth"
	mcperrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// maxRegistrationBody bounds the registration request body size.
const maxRegistrationBody = 64 * 1024

// Register implements RFC 7591 dynamic client registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req oauth.RegistrationRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody))
	if err := decoder.Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, mcperrors.ErrInvalidRequest, "malformed JSON body")
		return
	}

	resp, err := h.provider.Clients().RegisterClient(r.Context(), &req)
	if err != nil {
		var typed *mcperrors.Error
		if errors.As(err, &typed) {
			writeOAuthError(w, typed.Type.HTTPStatus(), typed.Type, typed.Message)
			return
		}
		logger.Errorw("client registration failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, mcperrors.ErrServerError, "")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}
