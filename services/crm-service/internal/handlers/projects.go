package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/constructcrm/constructcrm/services/crm-service/internal/model"
	"github.com/constructcrm/constructcrm/services/crm-service/internal/storage"
)

type projectRequest struct {
	Name            string  `json:"name"`
	Address         string  `json:"address"`
	ClientID        string  `json:"client_id"`
	ClientName      string  `json:"client_name"`
	Status          string  `json:"status"`
	Description     string  `json:"description"`
	Budget          float64 `json:"budget"`
	ActualCost      float64 `json:"actual_cost"`
	StartDate       string  `json:"start_date"`
	ExpectedEndDate string  `json:"expected_end_date"`
	ActualEndDate   string  `json:"actual_end_date"`
}

type projectItem struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Address         string  `json:"address,omitempty"`
	ClientID        string  `json:"client_id,omitempty"`
	ClientName      string  `json:"client_name,omitempty"`
	Status          string  `json:"status"`
	Description     string  `json:"description,omitempty"`
	Budget          float64 `json:"budget"`
	ActualCost      float64 `json:"actual_cost"`
	StartDate       string  `json:"start_date,omitempty"`
	ExpectedEndDate string  `json:"expected_end_date,omitempty"`
	ActualEndDate   string  `json:"actual_end_date,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func projectToItem(p model.Project) projectItem {
	return projectItem{
		ID:              p.ID,
		Name:            p.Name,
		Address:         p.Address,
		ClientID:        p.ClientID,
		ClientName:      p.ClientName,
		Status:          p.Status,
		Description:     p.Description,
		Budget:          p.Budget,
		ActualCost:      p.ActualCost,
		StartDate:       formatDate(p.StartDate),
		ExpectedEndDate: formatDate(p.ExpectedEndDate),
		ActualEndDate:   formatDate(p.ActualEndDate),
		CreatedAt:       p.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:       p.UpdatedAt.UTC().Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func (h *Handler) projectFromRequest(r *http.Request, accountID string) (*model.Project, string) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "invalid json body"
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, "name is required"
	}
	req.Status = strings.TrimSpace(req.Status)
	if req.Status == "" {
		req.Status = "Planning"
	}
	if !model.ValidProjectStatus(req.Status) {
		return nil, "invalid status"
	}

	startDate, err := parseDate(req.StartDate)
	if err != nil {
		return nil, "invalid start_date"
	}
	expectedEnd, err := parseDate(req.ExpectedEndDate)
	if err != nil {
		return nil, "invalid expected_end_date"
	}
	actualEnd, err := parseDate(req.ActualEndDate)
	if err != nil {
		return nil, "invalid actual_end_date"
	}

	return &model.Project{
		AccountID:       accountID,
		Name:            req.Name,
		Address:         strings.TrimSpace(req.Address),
		ClientID:        strings.TrimSpace(req.ClientID),
		ClientName:      strings.TrimSpace(req.ClientName),
		Status:          req.Status,
		Description:     strings.TrimSpace(req.Description),
		Budget:          req.Budget,
		ActualCost:      req.ActualCost,
		StartDate:       startDate,
		ExpectedEndDate: expectedEnd,
		ActualEndDate:   actualEnd,
	}, ""
}

// Projects routes POST (create, quota-gated) and GET (list).
func (h *Handler) Projects(w http.ResponseWriter, r *http.Request) {
	accountID := accountIDFromHeader(r)
	if accountID == "" {
		http.Error(w, "missing X-Account-Id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.createProject(w, r, accountID)
	case http.MethodGet:
		projects, err := h.repo.ListProjects(r.Context(), accountID)
		if err != nil {
			http.Error(w, "failed to list projects", http.StatusInternalServerError)
			return
		}
		items := make([]projectItem, 0, len(projects))
		for _, p := range projects {
			items = append(items, projectToItem(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": items})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request, accountID string) {
	project, errMsg := h.projectFromRequest(r, accountID)
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.checkQuota(ctx, tx, accountID, plans.ResourceProject, h.repo.CountProjects); err != nil {
		h.handleCreateError(w, accountID, plans.ResourceProject, err)
		return
	}

	id, err := h.repo.CreateProject(ctx, tx, project)
	if err != nil {
		http.Error(w, "failed to create project", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project_id": id})
}

// ProjectItem routes GET/PUT/DELETE for a single project, identified by
// the id query parameter.
func (h *Handler) ProjectItem(w http.ResponseWriter, r *http.Request) {
	accountID := accountIDFromHeader(r)
	if accountID == "" {
		http.Error(w, "missing X-Account-Id", http.StatusBadRequest)
		return
	}
	projectID := strings.TrimSpace(r.URL.Query().Get("id"))
	if projectID == "" {
		http.Error(w, "id query parameter required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := h.repo.GetProject(r.Context(), accountID, projectID)
		if err != nil {
			if storage.IsNotFound(err) {
				http.Error(w, "project not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to load project", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, projectToItem(p))
	case http.MethodPut:
		project, errMsg := h.projectFromRequest(r, accountID)
		if errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			return
		}
		project.ID = projectID
		updated, err := h.repo.UpdateProject(r.Context(), project)
		if err != nil {
			http.Error(w, "failed to update project", http.StatusInternalServerError)
			return
		}
		if !updated {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "status": project.Status})
	case http.MethodDelete:
		deleted, err := h.repo.DeleteProject(r.Context(), accountID, projectID)
		if err != nil {
			http.Error(w, "failed to delete project", http.StatusInternalServerError)
			return
		}
		if !deleted {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "deleted": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
