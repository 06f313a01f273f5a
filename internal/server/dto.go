package server

import (
	"strings"

	"github.com/shopspring/decimal"

	"ipmf/internal/domain"
	"ipmf/internal/engine"
)

// Request payloads. Amounts travel as decimal strings.

type CreateExpenseRequest struct {
	Motif        string `json:"motif"`
	Categorie    string `json:"categorie" enum:"fonctionnement,investissement,personnel,formation,mission,autre"`
	Quantite     int64  `json:"quantite" minimum:"1"`
	PrixUnitaire string `json:"prix_unitaire" example:"15000"`
	Commentaire  string `json:"commentaire,omitempty"`
	Justificatif string `json:"justificatif,omitempty"`
	TacheID      string `json:"tache_id,omitempty"`
}

// TransitionRequest carries the optional comment of a review step, or the
// mandatory motif of a rejection or cancellation.
type TransitionRequest struct {
	Commentaire string `json:"commentaire,omitempty"`
	Motif       string `json:"motif,omitempty"`
}

type CreateIncomeRequest struct {
	Motif        string `json:"motif"`
	Montant      string `json:"montant" example:"250000"`
	ModePaiement string `json:"mode_paiement" enum:"especes,virement,cheque,carte,mobile"`
	DateEntree   string `json:"date_entree" example:"2024-01-15"`
	Commentaire  string `json:"commentaire,omitempty"`
	Justificatif string `json:"justificatif,omitempty"`
}

type CreateTaskRequest struct {
	Titre          string   `json:"titre"`
	Description    string   `json:"description,omitempty"`
	Priorite       string   `json:"priorite,omitempty" enum:"basse,moyenne,haute,urgente"`
	DateDebut      string   `json:"date_debut,omitempty"`
	DateEcheance   string   `json:"date_echeance" example:"2024-02-01"`
	AgentsAssignes []string `json:"agents_assignes"`
	BudgetAlloue   *string  `json:"budget_alloue,omitempty" example:"100000"`
}

type CompleteTaskRequest struct {
	Rapport     string `json:"rapport"`
	PieceJointe string `json:"piece_jointe,omitempty"`
}

type AmendBudgetRequest struct {
	BudgetAlloue string `json:"budget_alloue" example:"150000"`
}

type CreateSubtaskRequest struct {
	Titre    string `json:"titre"`
	Assignee string `json:"assignee,omitempty"`
}

type RequestDeferralRequest struct {
	DateDemandee string `json:"date_demandee" example:"2024-02-15"`
	Motif        string `json:"motif"`
}

type RegisterActorRequest struct {
	ID          string `json:"id"`
	Role        string `json:"role" enum:"admin,dg,comptable,caisse,agent"`
	DisplayName string `json:"display_name,omitempty"`
}

type IssueAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ExpenseResponse struct {
	ID                    string `json:"id"`
	Numero                string `json:"numero"`
	Motif                 string `json:"motif"`
	Categorie             string `json:"categorie"`
	Quantite              int64  `json:"quantite"`
	PrixUnitaire          string `json:"prix_unitaire"`
	Montant               string `json:"montant"`
	Commentaire           string `json:"commentaire,omitempty"`
	Justificatif          string `json:"justificatif,omitempty"`
	Statut                string `json:"statut" enum:"en_attente,verifiee,validee,payee,rejetee"`
	CreatedBy             string `json:"created_by"`
	TacheID               string `json:"tache_id,omitempty"`
	NecessiteValidationDG bool   `json:"necessite_validation_dg"`
	BudgetReserved        bool   `json:"budget_reserved"`
	ApprovedBySystem      bool   `json:"approved_by_system"`
	ResubmittedFrom       string `json:"resubmitted_from,omitempty"`
	VerifiedBy            string `json:"verified_by,omitempty"`
	VerifiedAt            string `json:"verified_at,omitempty" format:"date-time"`
	ValidatedBy           string `json:"validated_by,omitempty"`
	ValidatedAt           string `json:"validated_at,omitempty" format:"date-time"`
	PaidBy                string `json:"paid_by,omitempty"`
	PaidAt                string `json:"paid_at,omitempty" format:"date-time"`
	RejectedBy            string `json:"rejected_by,omitempty"`
	RejectedAt            string `json:"rejected_at,omitempty" format:"date-time"`
	MotifRejet            string `json:"motif_rejet,omitempty"`
	CommentaireValidation string `json:"commentaire_validation,omitempty"`
	EnAlerte              bool   `json:"en_alerte"`
	EnRetard              bool   `json:"en_retard"`
	BudgetWarning         string `json:"budget_warning,omitempty"`
	CreatedAt             string `json:"created_at" format:"date-time"`
	UpdatedAt             string `json:"updated_at" format:"date-time"`
	Version               int64  `json:"version"`
}

type IncomeResponse struct {
	ID              string `json:"id"`
	Numero          string `json:"numero"`
	Motif           string `json:"motif"`
	Montant         string `json:"montant"`
	ModePaiement    string `json:"mode_paiement"`
	DateEntree      string `json:"date_entree" format:"date"`
	Commentaire     string `json:"commentaire,omitempty"`
	Justificatif    string `json:"justificatif,omitempty"`
	Statut          string `json:"statut" enum:"en_attente,confirmee,annulee"`
	CreatedBy       string `json:"created_by"`
	ConfirmedBy     string `json:"confirmed_by,omitempty"`
	ConfirmedAt     string `json:"confirmed_at,omitempty" format:"date-time"`
	CancelledBy     string `json:"cancelled_by,omitempty"`
	CancelledAt     string `json:"cancelled_at,omitempty" format:"date-time"`
	MotifAnnulation string `json:"motif_annulation,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
	Version         int64  `json:"version"`
}

type SubtaskResponse struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Titre       string `json:"titre"`
	EstTerminee bool   `json:"est_terminee"`
	Assignee    string `json:"assignee,omitempty"`
	CompletedAt string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type DeferralResponse struct {
	ID                 string `json:"id"`
	TaskID             string `json:"task_id"`
	Requester          string `json:"requester"`
	DateDemandee       string `json:"date_demandee" format:"date-time"`
	AncienneEcheance   string `json:"ancienne_echeance" format:"date-time"`
	Motif              string `json:"motif"`
	Statut             string `json:"statut" enum:"en_attente,approuvee,rejetee"`
	Responder          string `json:"responder,omitempty"`
	RespondedAt        string `json:"responded_at,omitempty" format:"date-time"`
	CommentaireReponse string `json:"commentaire_reponse,omitempty"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID                    string            `json:"id"`
	Numero                string            `json:"numero"`
	Titre                 string            `json:"titre"`
	Description           string            `json:"description,omitempty"`
	Priorite              string            `json:"priorite"`
	Statut                string            `json:"statut" enum:"creee,en_cours,terminee,validee,annulee"`
	Resultat              string            `json:"resultat,omitempty"`
	Rapport               string            `json:"rapport,omitempty"`
	PieceJointe           string            `json:"piece_jointe,omitempty"`
	DateDebut             string            `json:"date_debut,omitempty"`
	DateEcheance          string            `json:"date_echeance" format:"date-time"`
	DateDebutReelle       string            `json:"date_debut_reelle,omitempty"`
	DateFinReelle         string            `json:"date_fin_reelle,omitempty"`
	BudgetAlloue          *string           `json:"budget_alloue,omitempty"`
	AgentsAssignes        []string          `json:"agents_assignes"`
	CreatedBy             string            `json:"created_by"`
	ValidatedBy           string            `json:"validated_by,omitempty"`
	ValidatedAt           string            `json:"validated_at,omitempty"`
	CommentaireValidation string            `json:"commentaire_validation,omitempty"`
	MotifAnnulation       string            `json:"motif_annulation,omitempty"`
	EstEnRetard           bool              `json:"est_en_retard"`
	Pourcentage           int               `json:"pourcentage"`
	Subtasks              []SubtaskResponse `json:"subtasks"`
	PendingDeferral       *DeferralResponse `json:"pending_deferral,omitempty"`
	CreatedAt             string            `json:"created_at" format:"date-time"`
	UpdatedAt             string            `json:"updated_at" format:"date-time"`
	Version               int64             `json:"version"`
}

type BudgetResponse struct {
	TaskID    string `json:"task_id"`
	Allocated string `json:"allocated"`
	Reserved  string `json:"reserved"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type SweepResponse struct {
	At      string   `json:"at" format:"date-time"`
	Checked int      `json:"checked"`
	Failed  []string `json:"failed"`
}

type ActorResponse struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at,omitempty" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func expenseResponse(x domain.Expense) ExpenseResponse {
	return ExpenseResponse{
		ID:                    x.ID,
		Numero:                x.Numero,
		Motif:                 x.Motif,
		Categorie:             x.Categorie,
		Quantite:              x.Quantite,
		PrixUnitaire:          x.PrixUnitaire.String(),
		Montant:               x.Montant.String(),
		Commentaire:           x.Commentaire,
		Justificatif:          x.Justificatif,
		Statut:                string(x.Statut),
		CreatedBy:             x.CreatedBy,
		TacheID:               x.TacheID,
		NecessiteValidationDG: x.NecessiteValidationDG,
		BudgetReserved:        x.BudgetReserved,
		ApprovedBySystem:      x.ApprovedBySystem,
		ResubmittedFrom:       x.ResubmittedFrom,
		VerifiedBy:            x.VerifiedBy,
		VerifiedAt:            x.VerifiedAt,
		ValidatedBy:           x.ValidatedBy,
		ValidatedAt:           x.ValidatedAt,
		PaidBy:                x.PaidBy,
		PaidAt:                x.PaidAt,
		RejectedBy:            x.RejectedBy,
		RejectedAt:            x.RejectedAt,
		MotifRejet:            x.MotifRejet,
		CommentaireValidation: x.CommentaireValidation,
		EnAlerte:              x.EnAlerte,
		EnRetard:              x.EnRetard,
		BudgetWarning:         x.BudgetWarning,
		CreatedAt:             x.CreatedAt,
		UpdatedAt:             x.UpdatedAt,
		Version:               x.Version,
	}
}

func incomeResponse(in domain.Income) IncomeResponse {
	return IncomeResponse{
		ID:              in.ID,
		Numero:          in.Numero,
		Motif:           in.Motif,
		Montant:         in.Montant.String(),
		ModePaiement:    in.ModePaiement,
		DateEntree:      in.DateEntree,
		Commentaire:     in.Commentaire,
		Justificatif:    in.Justificatif,
		Statut:          string(in.Statut),
		CreatedBy:       in.CreatedBy,
		ConfirmedBy:     in.ConfirmedBy,
		ConfirmedAt:     in.ConfirmedAt,
		CancelledBy:     in.CancelledBy,
		CancelledAt:     in.CancelledAt,
		MotifAnnulation: in.MotifAnnulation,
		CreatedAt:       in.CreatedAt,
		UpdatedAt:       in.UpdatedAt,
		Version:         in.Version,
	}
}

func subtaskResponse(st domain.Subtask) SubtaskResponse {
	return SubtaskResponse{
		ID:          st.ID,
		TaskID:      st.TaskID,
		Titre:       st.Titre,
		EstTerminee: st.EstTerminee,
		Assignee:    st.Assignee,
		CompletedAt: st.CompletedAt,
		CreatedAt:   st.CreatedAt,
	}
}

func deferralResponse(d domain.Deferral) DeferralResponse {
	return DeferralResponse{
		ID:                 d.ID,
		TaskID:             d.TaskID,
		Requester:          d.Requester,
		DateDemandee:       d.DateDemandee,
		AncienneEcheance:   d.AncienneEcheance,
		Motif:              d.Motif,
		Statut:             string(d.Statut),
		Responder:          d.Responder,
		RespondedAt:        d.RespondedAt,
		CommentaireReponse: d.CommentaireReponse,
		CreatedAt:          d.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:                    t.ID,
		Numero:                t.Numero,
		Titre:                 t.Titre,
		Description:           t.Description,
		Priorite:              t.Priorite,
		Statut:                string(t.Statut),
		Resultat:              string(t.Resultat),
		Rapport:               t.Rapport,
		PieceJointe:           t.PieceJointe,
		DateDebut:             t.DateDebut,
		DateEcheance:          t.DateEcheance,
		DateDebutReelle:       t.DateDebutReelle,
		DateFinReelle:         t.DateFinReelle,
		AgentsAssignes:        nonNilSlice(t.AgentsAssignes),
		CreatedBy:             t.CreatedBy,
		ValidatedBy:           t.ValidatedBy,
		ValidatedAt:           t.ValidatedAt,
		CommentaireValidation: t.CommentaireValidation,
		MotifAnnulation:       t.MotifAnnulation,
		EstEnRetard:           t.EstEnRetard,
		Pourcentage:           t.Pourcentage,
		Subtasks:              mapSlice(t.Subtasks, subtaskResponse),
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
		Version:               t.Version,
	}
	if t.BudgetAlloue.Valid {
		s := t.BudgetAlloue.Decimal.String()
		resp.BudgetAlloue = &s
	}
	if t.PendingDeferral != nil {
		d := deferralResponse(*t.PendingDeferral)
		resp.PendingDeferral = &d
	}
	return resp
}

func budgetResponse(l domain.LedgerEntry) BudgetResponse {
	return BudgetResponse{
		TaskID:    l.TaskID,
		Allocated: l.Allocated.String(),
		Reserved:  l.Reserved.String(),
		Spent:     l.Spent.String(),
		Remaining: l.Balance().String(),
		UpdatedAt: l.UpdatedAt,
	}
}

func sweepResponse(r engine.SweepResult) SweepResponse {
	return SweepResponse{At: r.At, Checked: r.Checked, Failed: nonNilSlice(r.Failed)}
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{ID: a.ID, Role: string(a.Role), DisplayName: a.DisplayName, CreatedAt: a.CreatedAt}
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    evt.Payload,
	}
}

// parseAmount reads a decimal amount field of a request body.
func parseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, domain.Validationf("%s: %q is not a decimal amount", field, raw)
	}
	return d, nil
}

func mapSlice[T, R any](in []T, f func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
