package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Role is the closed set of actor roles known to the approval engine.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDG        Role = "dg"
	RoleComptable Role = "comptable"
	RoleCaisse    Role = "caisse"
	RoleAgent     Role = "agent"
	// RoleSystem marks autonomous transitions (overdue sweep, budget fast path).
	// It is never assignable to a registered actor.
	RoleSystem Role = "system"
)

// AssignableRoles lists the roles an actor can be registered with.
var AssignableRoles = []Role{RoleAdmin, RoleDG, RoleComptable, RoleCaisse, RoleAgent}

func ParseRole(s string) (Role, error) {
	for _, r := range AssignableRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", Validationf("unknown role %q", s)
}

// Actor is the explicit identity every engine operation runs as.
type Actor struct {
	ID          string `json:"id"`
	Role        Role   `json:"role" enum:"admin,dg,comptable,caisse,agent,system"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at,omitempty" format:"date-time"`
}

// SystemActor performs autonomous transitions.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) String() string {
	return fmt.Sprintf("%s(%s)", a.ID, a.Role)
}

type ExpenseStatus string

const (
	ExpensePending   ExpenseStatus = "en_attente"
	ExpenseVerified  ExpenseStatus = "verifiee"
	ExpenseValidated ExpenseStatus = "validee"
	ExpensePaid      ExpenseStatus = "payee"
	ExpenseRejected  ExpenseStatus = "rejetee"
)

func (s ExpenseStatus) Terminal() bool {
	return s == ExpensePaid || s == ExpenseRejected
}

// ExpenseCategories is the accepted vocabulary for Expense.Categorie.
var ExpenseCategories = []string{"fonctionnement", "investissement", "personnel", "formation", "mission", "autre"}

type Expense struct {
	ID                    string          `json:"id"`
	Numero                string          `json:"numero"`
	Motif                 string          `json:"motif"`
	Categorie             string          `json:"categorie"`
	Quantite              int64           `json:"quantite"`
	PrixUnitaire          decimal.Decimal `json:"prix_unitaire"`
	Montant               decimal.Decimal `json:"montant"`
	Commentaire           string          `json:"commentaire,omitempty"`
	Justificatif          string          `json:"justificatif,omitempty"`
	Statut                ExpenseStatus   `json:"statut"`
	CreatedBy             string          `json:"created_by"`
	TacheID               string          `json:"tache_id,omitempty"`
	NecessiteValidationDG bool            `json:"necessite_validation_dg"`
	BudgetReserved        bool            `json:"budget_reserved"`
	BudgetCommitted       bool            `json:"budget_committed"`
	ApprovedBySystem      bool            `json:"approved_by_system"`
	ResubmittedFrom       string          `json:"resubmitted_from,omitempty"`
	VerifiedAt            string          `json:"verified_at,omitempty"`
	VerifiedBy            string          `json:"verified_by,omitempty"`
	ValidatedAt           string          `json:"validated_at,omitempty"`
	ValidatedBy           string          `json:"validated_by,omitempty"`
	PaidAt                string          `json:"paid_at,omitempty"`
	PaidBy                string          `json:"paid_by,omitempty"`
	RejectedAt            string          `json:"rejected_at,omitempty"`
	RejectedBy            string          `json:"rejected_by,omitempty"`
	MotifRejet            string          `json:"motif_rejet,omitempty"`
	CommentaireValidation string          `json:"commentaire_validation,omitempty"`
	CreatedAt             string          `json:"created_at"`
	UpdatedAt             string          `json:"updated_at"`
	Version               int64           `json:"version"`

	// Derived on read.
	EnAlerte bool `json:"en_alerte"`
	EnRetard bool `json:"en_retard"`
	// Set on the creation result only.
	BudgetWarning string `json:"budget_warning,omitempty"`
}

type IncomeStatus string

const (
	IncomePending   IncomeStatus = "en_attente"
	IncomeConfirmed IncomeStatus = "confirmee"
	IncomeCancelled IncomeStatus = "annulee"
)

func (s IncomeStatus) Terminal() bool {
	return s == IncomeConfirmed || s == IncomeCancelled
}

var PaymentModes = []string{"especes", "virement", "cheque", "carte", "mobile"}

type Income struct {
	ID              string          `json:"id"`
	Numero          string          `json:"numero"`
	Motif           string          `json:"motif"`
	Montant         decimal.Decimal `json:"montant"`
	ModePaiement    string          `json:"mode_paiement"`
	DateEntree      string          `json:"date_entree"`
	Commentaire     string          `json:"commentaire,omitempty"`
	Justificatif    string          `json:"justificatif,omitempty"`
	Statut          IncomeStatus    `json:"statut"`
	CreatedBy       string          `json:"created_by"`
	ConfirmedAt     string          `json:"confirmed_at,omitempty"`
	ConfirmedBy     string          `json:"confirmed_by,omitempty"`
	CancelledAt     string          `json:"cancelled_at,omitempty"`
	CancelledBy     string          `json:"cancelled_by,omitempty"`
	MotifAnnulation string          `json:"motif_annulation,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	Version         int64           `json:"version"`
}

type TaskStatus string

const (
	TaskCreated   TaskStatus = "creee"
	TaskRunning   TaskStatus = "en_cours"
	TaskFinished  TaskStatus = "terminee"
	TaskValidated TaskStatus = "validee"
	TaskCancelled TaskStatus = "annulee"
)

type TaskResult string

const (
	ResultNone       TaskResult = ""
	ResultSuccess    TaskResult = "SUCCESS"
	ResultAutoFailed TaskResult = "ECHEC_AUTOMATIQUE"
)

var TaskPriorities = []string{"basse", "moyenne", "haute", "urgente"}

type Task struct {
	ID                    string              `json:"id"`
	Numero                string              `json:"numero"`
	Titre                 string              `json:"titre"`
	Description           string              `json:"description,omitempty"`
	Priorite              string              `json:"priorite"`
	Statut                TaskStatus          `json:"statut"`
	Resultat              TaskResult          `json:"resultat,omitempty"`
	Rapport               string              `json:"rapport,omitempty"`
	PieceJointe           string              `json:"piece_jointe,omitempty"`
	DateDebut             string              `json:"date_debut,omitempty"`
	DateEcheance          string              `json:"date_echeance"`
	DateDebutReelle       string              `json:"date_debut_reelle,omitempty"`
	DateFinReelle         string              `json:"date_fin_reelle,omitempty"`
	BudgetAlloue          decimal.NullDecimal `json:"budget_alloue"`
	AgentsAssignes        []string            `json:"agents_assignes"`
	CreatedBy             string              `json:"created_by"`
	ValidatedBy           string              `json:"validated_by,omitempty"`
	ValidatedAt           string              `json:"validated_at,omitempty"`
	CommentaireValidation string              `json:"commentaire_validation,omitempty"`
	MotifAnnulation       string              `json:"motif_annulation,omitempty"`
	CreatedAt             string              `json:"created_at"`
	UpdatedAt             string              `json:"updated_at"`
	Version               int64               `json:"version"`

	// Derived on read.
	EstEnRetard     bool      `json:"est_en_retard"`
	Pourcentage     int       `json:"pourcentage"`
	Subtasks        []Subtask `json:"subtasks,omitempty"`
	PendingDeferral *Deferral `json:"pending_deferral,omitempty"`
}

// AutoFailed reports whether the overdue sweep closed the task.
func (t Task) AutoFailed() bool {
	return t.Statut == TaskFinished && t.Resultat == ResultAutoFailed
}

// Terminal reports whether no ordinary transition applies anymore.
func (t Task) Terminal() bool {
	return t.Statut == TaskValidated || t.Statut == TaskCancelled || t.AutoFailed()
}

func (t Task) IsAssigned(actorID string) bool {
	for _, a := range t.AgentsAssignes {
		if a == actorID {
			return true
		}
	}
	return false
}

type Subtask struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Titre       string `json:"titre"`
	EstTerminee bool   `json:"est_terminee"`
	Assignee    string `json:"assignee,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type DeferralStatus string

const (
	DeferralPending  DeferralStatus = "en_attente"
	DeferralApproved DeferralStatus = "approuvee"
	DeferralRejected DeferralStatus = "rejetee"
)

type Deferral struct {
	ID                 string         `json:"id"`
	TaskID             string         `json:"task_id"`
	Requester          string         `json:"requester"`
	DateDemandee       string         `json:"date_demandee"`
	AncienneEcheance   string         `json:"ancienne_echeance"`
	Motif              string         `json:"motif"`
	Statut             DeferralStatus `json:"statut"`
	Responder          string         `json:"responder,omitempty"`
	RespondedAt        string         `json:"responded_at,omitempty"`
	CommentaireReponse string         `json:"commentaire_reponse,omitempty"`
	CreatedAt          string         `json:"created_at"`
	Version            int64          `json:"version"`
}

// LedgerEntry is the per-task budget row. Remaining is derived.
type LedgerEntry struct {
	TaskID    string          `json:"task_id"`
	Allocated decimal.Decimal `json:"allocated"`
	Reserved  decimal.Decimal `json:"reserved"`
	Spent     decimal.Decimal `json:"spent"`
	Remaining decimal.Decimal `json:"remaining"`
	Version   int64           `json:"version"`
	UpdatedAt string          `json:"updated_at"`
}

// Balance recomputes Remaining from the stored columns.
func (l LedgerEntry) Balance() decimal.Decimal {
	return l.Allocated.Sub(l.Spent).Sub(l.Reserved)
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AuditEvent is handed to the audit collaborator for every attempted transition.
type AuditEvent struct {
	Entity    string `json:"entity"`
	EntityID  string `json:"entity_id"`
	Action    string `json:"action"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	ActorID   string `json:"actor_id"`
	ActorRole Role   `json:"actor_role"`
	Timestamp string `json:"timestamp"`
	Comment   string `json:"comment,omitempty"`
	Denied    bool   `json:"denied,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Notification is handed to the notification collaborator. Recipients are
// actor ids; Roles broadcast to every actor holding one of them.
type Notification struct {
	Recipients []string `json:"recipients,omitempty"`
	Roles      []Role   `json:"roles,omitempty"`
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	Type       string   `json:"type"`
	Priority   string   `json:"priority"`
	Link       string   `json:"link,omitempty"`
	EntityKind string   `json:"entity_kind"`
	EntityID   string   `json:"entity_id"`
	CreatedAt  string   `json:"created_at"`
}
