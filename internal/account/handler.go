// Package account serves the administrative HTTP API over accounts and
// roles, and announces account creation and role deletion as events.
package account

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/k1networth/rolekeeper/internal/membership"
	"github.com/k1networth/rolekeeper/internal/notify"
	"github.com/k1networth/rolekeeper/internal/shared/events"
	"github.com/k1networth/rolekeeper/internal/shared/httpx"
)

const warnPublishFailed = "event_publish_failed"

type Handler struct {
	Log      *slog.Logger
	Gateway  membership.Gateway
	Notifier notify.Notifier
}

func (h *Handler) Mount(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", h.CreateAccount)
		r.Get("/", h.ListAccounts)
		r.Get("/{id}", h.GetAccount)
		r.Put("/{id}", h.UpdateAccount)
		r.Delete("/{id}", h.DeleteAccount)
		r.Get("/{id}/roles", h.AccountRoles)
		r.Post("/{id}/roles/{roleId}", h.GrantRole)
		r.Delete("/{id}/roles/{roleId}", h.RevokeRole)
	})
	r.Route("/roles", func(r chi.Router) {
		r.Post("/", h.CreateRole)
		r.Get("/", h.ListRoles)
		r.Get("/{id}", h.GetRole)
		r.Put("/{id}", h.UpdateRole)
		r.Delete("/{id}", h.DeleteRole)
	})
}

type accountResponse struct {
	membership.Account
	Warnings []string `json:"warnings,omitempty"`
}

type roleResponse struct {
	membership.Role
	Warnings []string `json:"warnings,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	created, err := h.Gateway.CreateAccount(r.Context(), membership.Account{
		ID:        membership.ID(strings.TrimSpace(req.ID)),
		Username:  strings.TrimSpace(req.Username),
		Email:     strings.TrimSpace(req.Email),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Active:    true,
	})
	if err != nil {
		if errors.Is(err, membership.ErrConflict) {
			httpx.WriteError(w, r, http.StatusConflict, "conflict", "account already exists")
			return
		}
		h.internal(w, r, "account_create_failed", err)
		return
	}
	if created.Roles == nil {
		created.Roles = []membership.Role{}
	}

	resp := accountResponse{Account: created}
	if !h.publish(r, events.TypeAccountCreated, "accounts/"+created.ID.String(), created) {
		resp.Warnings = []string{warnPublishFailed}
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	items, err := h.Gateway.ListAccounts(r.Context())
	if err != nil {
		h.internal(w, r, "account_list_failed", err)
		return
	}
	if items == nil {
		items = []membership.Account{}
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse[membership.Account]{Items: items})
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.Gateway.FindAccountByID(r.Context(), pathID(r, "id"))
	if err != nil {
		h.lookupFailed(w, r, "account_get_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req UpdateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	current, err := h.Gateway.FindAccountByID(ctx, pathID(r, "id"))
	if err != nil {
		h.lookupFailed(w, r, "account_get_failed", err)
		return
	}
	active := current.Active
	if req.IsActive != nil {
		active = *req.IsActive
	}

	updated, err := h.Gateway.UpdateAccount(ctx, membership.Account{
		ID:        current.ID,
		Username:  strings.TrimSpace(req.Username),
		Email:     strings.TrimSpace(req.Email),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Active:    active,
	})
	if err != nil {
		if errors.Is(err, membership.ErrConflict) {
			httpx.WriteError(w, r, http.StatusConflict, "conflict", "username already taken")
			return
		}
		h.lookupFailed(w, r, "account_update_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

// DeleteAccount removes the account together with its memberships.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if err := h.Gateway.DeleteAccount(r.Context(), id); err != nil {
		h.lookupFailed(w, r, "account_delete_failed", err)
		return
	}
	h.Log.Info("account_deleted", slog.String("account_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AccountRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.Gateway.RolesForAccount(r.Context(), pathID(r, "id"))
	if err != nil {
		h.lookupFailed(w, r, "account_roles_failed", err)
		return
	}
	if roles == nil {
		roles = []membership.Role{}
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse[membership.Role]{Items: roles})
}

func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, roleID := pathID(r, "id"), pathID(r, "roleId")

	if _, err := h.Gateway.FindRoleByID(ctx, roleID); err != nil {
		h.lookupFailed(w, r, "role_get_failed", err)
		return
	}
	if err := h.Gateway.AssignRole(ctx, accountID, roleID); err != nil {
		h.lookupFailed(w, r, "role_assign_failed", err)
		return
	}
	h.Log.Info("role_granted", slog.String("account_id", accountID.String()), slog.String("role_id", roleID.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, roleID := pathID(r, "id"), pathID(r, "roleId")

	if _, err := h.Gateway.FindAccountByID(ctx, accountID); err != nil {
		h.lookupFailed(w, r, "account_get_failed", err)
		return
	}
	if err := h.Gateway.RemoveRole(ctx, accountID, roleID); err != nil {
		h.internal(w, r, "role_revoke_failed", err)
		return
	}
	h.Log.Info("role_revoked", slog.String("account_id", accountID.String()), slog.String("role_id", roleID.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	role, err := h.Gateway.CreateRole(r.Context(), membership.Role{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Active:      true,
	})
	if err != nil {
		h.internal(w, r, "role_create_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, role)
}

func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	items, err := h.Gateway.ListRoles(r.Context())
	if err != nil {
		h.internal(w, r, "role_list_failed", err)
		return
	}
	if items == nil {
		items = []membership.Role{}
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse[membership.Role]{Items: items})
}

func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.Gateway.FindRoleByID(r.Context(), pathID(r, "id"))
	if err != nil {
		h.lookupFailed(w, r, "role_get_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, role)
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req UpdateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	current, err := h.Gateway.FindRoleByID(ctx, pathID(r, "id"))
	if err != nil {
		h.lookupFailed(w, r, "role_get_failed", err)
		return
	}
	active := current.Active
	if req.IsActive != nil {
		active = *req.IsActive
	}

	updated, err := h.Gateway.UpdateRole(ctx, membership.Role{
		ID:          current.ID,
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Active:      active,
	})
	if err != nil {
		if errors.Is(err, membership.ErrConflict) {
			httpx.WriteError(w, r, http.StatusConflict, "conflict", "role name already taken")
			return
		}
		h.lookupFailed(w, r, "role_update_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

// DeleteRole removes the role row and announces it. Holders are cleaned up
// by the worker when it consumes the role/deleted event.
func (h *Handler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.Gateway.DeleteRole(r.Context(), pathID(r, "id"))
	if err != nil {
		h.lookupFailed(w, r, "role_delete_failed", err)
		return
	}

	resp := roleResponse{Role: role}
	if !h.publish(r, events.TypeRoleDeleted, "roles/"+role.ID.String(), role) {
		resp.Warnings = []string{warnPublishFailed}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// publish reports whether the event went out. A failure is only a warning.
func (h *Handler) publish(r *http.Request, eventType, subject string, payload any) bool {
	if h.Notifier == nil {
		return true
	}
	if err := h.Notifier.Publish(r.Context(), eventType, subject, payload); err != nil {
		h.Log.Warn("event_publish_failed",
			slog.String("request_id", httpx.GetRequestID(r.Context())),
			slog.String("event_type", eventType),
			slog.String("subject", subject),
			slog.String("err", err.Error()),
		)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		msg := "invalid json"
		if errors.Is(err, io.EOF) {
			msg = "empty body"
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", msg)
		return false
	}
	if dec.More() {
		httpx.WriteError(w, r, http.StatusBadRequest, "validation_error", "invalid json")
		return false
	}
	return true
}

func (h *Handler) lookupFailed(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, membership.ErrNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	h.internal(w, r, msg, err)
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.Log.Error(msg,
		slog.String("request_id", httpx.GetRequestID(r.Context())),
		slog.String("err", err.Error()),
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}

func pathID(r *http.Request, name string) membership.ID {
	return membership.ID(strings.TrimSpace(chi.URLParam(r, name)))
}
