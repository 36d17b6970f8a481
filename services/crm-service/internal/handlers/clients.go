package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/constructcrm/constructcrm/services/crm-service/internal/model"
)

type clientRequest struct {
	Name          string `json:"name"`
	CompanyName   string `json:"company_name"`
	ContactPerson string `json:"contact_person"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Address       string `json:"address"`
	Website       string `json:"website"`
	Notes         string `json:"notes"`
}

type clientItem struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CompanyName   string `json:"company_name,omitempty"`
	ContactPerson string `json:"contact_person,omitempty"`
	Email         string `json:"email"`
	Phone         string `json:"phone,omitempty"`
	Address       string `json:"address,omitempty"`
	Website       string `json:"website,omitempty"`
	Notes         string `json:"notes,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Clients routes POST (create, quota-gated) and GET (list).
func (h *Handler) Clients(w http.ResponseWriter, r *http.Request) {
	accountID := accountIDFromHeader(r)
	if accountID == "" {
		http.Error(w, "missing X-Account-Id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.createClient(w, r, accountID)
	case http.MethodGet:
		clients, err := h.repo.ListClients(r.Context(), accountID)
		if err != nil {
			http.Error(w, "failed to list clients", http.StatusInternalServerError)
			return
		}
		items := make([]clientItem, 0, len(clients))
		for _, c := range clients {
			items = append(items, clientItem{
				ID:            c.ID,
				Name:          c.Name,
				CompanyName:   c.CompanyName,
				ContactPerson: c.ContactPerson,
				Email:         c.Email,
				Phone:         c.Phone,
				Address:       c.Address,
				Website:       c.Website,
				Notes:         c.Notes,
				CreatedAt:     c.CreatedAt.UTC().Format(timeLayout),
				UpdatedAt:     c.UpdatedAt.UTC().Format(timeLayout),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"clients": items})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) createClient(w http.ResponseWriter, r *http.Request, accountID string) {
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Email == "" {
		http.Error(w, "name and email are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.checkQuota(ctx, tx, accountID, plans.ResourceClient, h.repo.CountClients); err != nil {
		h.handleCreateError(w, accountID, plans.ResourceClient, err)
		return
	}

	id, err := h.repo.CreateClient(ctx, tx, &model.Client{
		AccountID:     accountID,
		Name:          req.Name,
		CompanyName:   strings.TrimSpace(req.CompanyName),
		ContactPerson: strings.TrimSpace(req.ContactPerson),
		Email:         req.Email,
		Phone:         strings.TrimSpace(req.Phone),
		Address:       strings.TrimSpace(req.Address),
		Website:       strings.TrimSpace(req.Website),
		Notes:         strings.TrimSpace(req.Notes),
	})
	if err != nil {
		http.Error(w, "failed to create client", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"client_id": id})
}

// ClientItem routes DELETE for a single client.
func (h *Handler) ClientItem(w http.ResponseWriter, r *http.Request) {
	accountID := accountIDFromHeader(r)
	if accountID == "" {
		http.Error(w, "missing X-Account-Id", http.StatusBadRequest)
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("id"))
	if clientID == "" {
		http.Error(w, "id query parameter required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	deleted, err := h.repo.DeleteClient(r.Context(), accountID, clientID)
	if err != nil {
		http.Error(w, "failed to delete client", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "client not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client_id": clientID, "deleted": true})
}
