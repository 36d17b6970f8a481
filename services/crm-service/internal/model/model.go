package model

import "time"

type Project struct {
	ID              string
	AccountID       string
	Name            string
	Address         string
	ClientID        string
	ClientName      string
	Status          string
	Description     string
	Budget          float64
	ActualCost      float64
	StartDate       *time.Time
	ExpectedEndDate *time.Time
	ActualEndDate   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Client struct {
	ID            string
	AccountID     string
	Name          string
	CompanyName   string
	ContactPerson string
	Email         string
	Phone         string
	Address       string
	Website       string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Task struct {
	ID          string
	AccountID   string
	ProjectID   string
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var projectStatuses = map[string]bool{
	"Planning":    true,
	"In Progress": true,
	"On Hold":     true,
	"Completed":   true,
	"Canceled":    true,
}

var taskStatuses = map[string]bool{
	"To Do":       true,
	"In Progress": true,
	"Blocked":     true,
	"In Review":   true,
	"Completed":   true,
}

var taskPriorities = map[string]bool{
	"Low":    true,
	"Medium": true,
	"High":   true,
	"Urgent": true,
}

func ValidProjectStatus(s string) bool { return projectStatuses[s] }

func ValidTaskStatus(s string) bool { return taskStatuses[s] }

func ValidTaskPriority(s string) bool { return taskPriorities[s] }
