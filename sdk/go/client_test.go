package ipmfsdk_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"ipmf/internal/config"
	"ipmf/internal/db"
	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/migrate"
	"ipmf/internal/server"
	ipmfsdk "ipmf/sdk/go"
)

func newAPI(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	for id, role := range map[string]domain.Role{"cpt": domain.RoleComptable, "csh": domain.RoleCaisse, "ag1": domain.RoleAgent} {
		_, err := e.RegisterActor(context.Background(), "test", id, role, "")
		require.NoError(t, err)
	}
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{AllowActorHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL + "/v1"
}

func TestClientExpenseFlow(t *testing.T) {
	base := newAPI(t)
	ctx := context.Background()
	agent := ipmfsdk.New(base)
	agent.ActorID = "ag1"

	x, err := agent.CreateExpense(ctx, ipmfsdk.NewExpense{Motif: "Papier", Categorie: "fonctionnement", Quantite: 4, PrixUnitaire: "2500"})
	require.NoError(t, err)
	require.Equal(t, "10000", x.Montant)
	require.Equal(t, "en_attente", x.Statut)

	_, err = agent.ExpenseStep(ctx, x.ID, "verify", "")
	require.Error(t, err)
	require.True(t, ipmfsdk.IsCode(err, "self_approval"), err.Error())

	comptable := ipmfsdk.New(base)
	comptable.ActorID = "cpt"
	x, err = comptable.ExpenseStep(ctx, x.ID, "reject", "facture manquante")
	require.NoError(t, err)
	require.Equal(t, "rejetee", x.Statut)
	require.Equal(t, "facture manquante", x.MotifRejet)

	page, err := comptable.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "expense.reject", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)
}

func TestClientIncomeAndErrors(t *testing.T) {
	base := newAPI(t)
	ctx := context.Background()
	caisse := ipmfsdk.New(base)
	caisse.ActorID = "csh"

	in, err := caisse.CreateIncome(ctx, "Cotisations", "250000", "especes", "2024-01-15")
	require.NoError(t, err)
	require.Regexp(t, `^ENT-\d{4}-001$`, in.Numero)

	comptable := ipmfsdk.New(base)
	comptable.ActorID = "cpt"
	in, err = comptable.ConfirmIncome(ctx, in.ID, "")
	require.NoError(t, err)
	require.Equal(t, "confirmee", in.Statut)

	_, err = comptable.ConfirmIncome(ctx, in.ID, "")
	require.True(t, ipmfsdk.IsCode(err, "invalid_state"))

	_, err = comptable.GetTask(ctx, "missing")
	require.True(t, ipmfsdk.IsCode(err, "not_found"))

	anonymous := ipmfsdk.New(base)
	_, err = anonymous.Events(ctx, 5)
	require.True(t, ipmfsdk.IsCode(err, "unauthorized"))
}
