// Package ipmfsdk is a small client for the IPMF HTTP API.
package ipmfsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls the API under BaseURL, e.g. "http://127.0.0.1:8080/v1".
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set; servers only
	// honour it when started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

// Expense is the API expense model (partial). Amounts are decimal strings.
type Expense struct {
	ID                    string `json:"id"`
	Numero                string `json:"numero"`
	Motif                 string `json:"motif"`
	Categorie             string `json:"categorie"`
	Quantite              int64  `json:"quantite"`
	PrixUnitaire          string `json:"prix_unitaire"`
	Montant               string `json:"montant"`
	Statut                string `json:"statut"`
	CreatedBy             string `json:"created_by"`
	TacheID               string `json:"tache_id,omitempty"`
	NecessiteValidationDG bool   `json:"necessite_validation_dg"`
	BudgetReserved        bool   `json:"budget_reserved"`
	BudgetWarning         string `json:"budget_warning,omitempty"`
	MotifRejet            string `json:"motif_rejet,omitempty"`
}

// NewExpense is the creation payload of an expense.
type NewExpense struct {
	Motif        string `json:"motif"`
	Categorie    string `json:"categorie"`
	Quantite     int64  `json:"quantite"`
	PrixUnitaire string `json:"prix_unitaire"`
	Commentaire  string `json:"commentaire,omitempty"`
	Justificatif string `json:"justificatif,omitempty"`
	TacheID      string `json:"tache_id,omitempty"`
}

// Income is the API income model (partial).
type Income struct {
	ID           string `json:"id"`
	Numero       string `json:"numero"`
	Motif        string `json:"motif"`
	Montant      string `json:"montant"`
	ModePaiement string `json:"mode_paiement"`
	DateEntree   string `json:"date_entree"`
	Statut       string `json:"statut"`
	CreatedBy    string `json:"created_by"`
}

// Task is the API task model (partial).
type Task struct {
	ID             string   `json:"id"`
	Numero         string   `json:"numero"`
	Titre          string   `json:"titre"`
	Statut         string   `json:"statut"`
	Resultat       string   `json:"resultat,omitempty"`
	DateEcheance   string   `json:"date_echeance"`
	AgentsAssignes []string `json:"agents_assignes"`
	BudgetAlloue   *string  `json:"budget_alloue,omitempty"`
	Pourcentage    int      `json:"pourcentage"`
}

// Budget is the ledger of a task.
type Budget struct {
	TaskID    string `json:"task_id"`
	Allocated string `json:"allocated"`
	Reserved  string `json:"reserved"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the machine readable error code
// of the envelope, e.g. "self_approval" or "budget_exceeded".
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateExpense submits an expense.
func (c *Client) CreateExpense(ctx context.Context, in NewExpense) (Expense, error) {
	var resp Expense
	err := c.do(ctx, http.MethodPost, "expenses", in, &resp)
	return resp, err
}

// GetExpense fetches an expense.
func (c *Client) GetExpense(ctx context.Context, id string) (Expense, error) {
	var resp Expense
	err := c.do(ctx, http.MethodGet, "expenses/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ExpenseStep runs verify, validate, pay or reject on an expense. For reject
// text is the motif; otherwise it is the comment.
func (c *Client) ExpenseStep(ctx context.Context, id, action, text string) (Expense, error) {
	body := map[string]string{"commentaire": text}
	if action == "reject" {
		body = map[string]string{"motif": text}
	}
	var resp Expense
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("expenses/%s/%s", url.PathEscape(id), action), body, &resp)
	return resp, err
}

// CreateIncome records an income.
func (c *Client) CreateIncome(ctx context.Context, motif, montant, mode, date string) (Income, error) {
	body := map[string]string{"motif": motif, "montant": montant, "mode_paiement": mode, "date_entree": date}
	var resp Income
	err := c.do(ctx, http.MethodPost, "incomes", body, &resp)
	return resp, err
}

// ConfirmIncome confirms a pending income.
func (c *Client) ConfirmIncome(ctx context.Context, id, comment string) (Income, error) {
	var resp Income
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("incomes/%s/confirm", url.PathEscape(id)), map[string]string{"commentaire": comment}, &resp)
	return resp, err
}

// GetTask fetches a task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TaskBudget returns the ledger of a task.
func (c *Client) TaskBudget(ctx context.Context, taskID string) (Budget, error) {
	var resp Budget
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/budget", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
