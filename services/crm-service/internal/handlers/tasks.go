package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/constructcrm/constructcrm/libs/plans"
	"github.com/constructcrm/constructcrm/services/crm-service/internal/model"
	"github.com/jackc/pgx/v5"
)

type taskRequest struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	DueDate     string `json:"due_date"`
}

type taskItem struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func taskToItem(t model.Task) taskItem {
	return taskItem{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		DueDate:     formatDate(t.DueDate),
		CompletedAt: formatDate(t.CompletedAt),
		CreatedAt:   t.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:   t.UpdatedAt.UTC().Format(timeLayout),
	}
}

func taskFromRequest(r *http.Request, accountID string) (*model.Task, string) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "invalid json body"
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Title = strings.TrimSpace(req.Title)
	if req.ProjectID == "" || req.Title == "" {
		return nil, "project_id and title are required"
	}
	req.Status = strings.TrimSpace(req.Status)
	if req.Status == "" {
		req.Status = "To Do"
	}
	if !model.ValidTaskStatus(req.Status) {
		return nil, "invalid status"
	}
	req.Priority = strings.TrimSpace(req.Priority)
	if req.Priority != "" && !model.ValidTaskPriority(req.Priority) {
		return nil, "invalid priority"
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		return nil, "invalid due_date"
	}

	return &model.Task{
		AccountID:   accountID,
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: strings.TrimSpace(req.Description),
		Status:      req.Status,
		Priority:    req.Priority,
		DueDate:     dueDate,
	}, ""
}

// Tasks routes POST (create, quota-gated per project) and GET
// (list, scoped by project_id).
func (h *Handler) Tasks(w http.ResponseWriter, r *http.Request) {
	accountID := accountIDFromHeader(r)
	if accountID == "" {
		http.Error(w, "missing X-Account-Id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.createTask(w, r, accountID)
	case http.MethodGet:
		projectID := strings.TrimSpace(r.URL.Query().Get("project_id"))
		if projectID == "" {
			http.Error(w, "project_id query parameter required", http.StatusBadRequest)
			return
		}
		tasks, err := h.repo.ListTasks(r.Context(), accountID, projectID)
		if err != nil {
			http.Error(w, "failed to list tasks", http.StatusInternalServerError)
			return
		}
		items := make([]taskItem, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, taskToItem(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": items})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request, accountID string) {
	task, errMsg := taskFromRequest(r, accountID)
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

	exists, err := h.repo.ProjectExists(ctx, tx, accountID, task.ProjectID)
	if err != nil {
		http.Error(w, "failed to verify project", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}

	// Task quota counts within the target project, not account-wide.
	countInProject := func(ctx context.Context, tx pgx.Tx, accountID string) (int, error) {
		return h.repo.CountTasksInProject(ctx, tx, accountID, task.ProjectID)
	}
	if err := h.checkQuota(ctx, tx, accountID, plans.ResourceTask, countInProject); err != nil {
		h.handleCreateError(w, accountID, plans.ResourceTask, err)
		return
	}

	id, err := h.repo.CreateTask(ctx, tx, task)
	if err != nil {
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": id})
}

// TaskItem routes PUT for a single task.
func (h *Handler) TaskItem(w http.ResponseWriter, r *http.Request) {
	accountID := accountIDFromHeader(r)
	if accountID == "" {
		http.Error(w, "missing X-Account-Id", http.StatusBadRequest)
		return
	}
	taskID := strings.TrimSpace(r.URL.Query().Get("id"))
	if taskID == "" {
		http.Error(w, "id query parameter required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	task, errMsg := taskFromRequest(r, accountID)
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}
	task.ID = taskID
	updated, err := h.repo.UpdateTask(r.Context(), task)
	if err != nil {
		http.Error(w, "failed to update task", http.StatusInternalServerError)
		return
	}
	if !updated {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": task.Status})
}
