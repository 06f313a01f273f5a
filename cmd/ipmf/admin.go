package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ipmf/internal/app"
	"ipmf/internal/config"
	"ipmf/internal/domain"
	"ipmf/internal/repo"
)

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage the actor registry",
		Long:  "Actors are the people who act on the workflows. Their role (admin, dg, comptable, caisse, agent) decides which transitions they may perform.",
	}

	var name string
	register := &cobra.Command{
		Use:   "register <id> <role>",
		Short: "Register an actor, or change its role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := domain.ParseRole(args[1])
			if err != nil {
				return err
			}
			return withApp(func(a *app.Context) error {
				ctx := cmd.Context()
				if err := requireLocalAdmin(ctx, a); err != nil {
					return err
				}
				actor, err := a.Engine.RegisterActor(ctx, viper.GetString("actor-id"), args[0], role, name)
				if err != nil {
					return err
				}
				return printRecord(actor, [][2]string{{"ID", actor.ID}, {"Role", string(actor.Role)}, {"Nom", actor.DisplayName}})
			})
		},
	}
	register.Flags().StringVar(&name, "name", "", "display name")

	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.Context) error {
				items, err := a.Engine.Repo.ListActors(cmd.Context(), role)
				if err != nil {
					return err
				}
				if wantJSON() {
					return printJSON(items)
				}
				tw := newTable("ID", "Role", "Nom", "Depuis")
				for _, it := range items {
					tw.AppendRow([]any{it.ID, it.Role, it.DisplayName, ago(it.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&role, "role", "", "role filter")

	var keyName string
	key := &cobra.Command{
		Use:   "key <id>",
		Short: "Issue an API key for an actor; it is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.Context) error {
				ctx := cmd.Context()
				if err := requireLocalAdmin(ctx, a); err != nil {
					return err
				}
				plain, k, err := a.Engine.IssueAPIKey(ctx, args[0], keyName)
				if err != nil {
					return err
				}
				out := map[string]string{"id": k.ID, "actor_id": k.ActorID, "name": k.Name, "key": plain}
				return printRecord(out, [][2]string{{"ID", k.ID}, {"Acteur", k.ActorID}, {"Nom", k.Name}, {"Cle", plain}})
			})
		},
	}
	key.Flags().StringVar(&keyName, "name", "", "label for the key")

	cmd.AddCommand(register, list, key)
	return cmd
}

// requireLocalAdmin lets anyone bootstrap an empty registry; once an admin
// exists, --actor-id must name one.
func requireLocalAdmin(ctx context.Context, a *app.Context) error {
	admins, err := a.Engine.Repo.ListActors(ctx, string(domain.RoleAdmin))
	if err != nil {
		return err
	}
	if len(admins) == 0 {
		return nil
	}
	id := strings.TrimSpace(viper.GetString("actor-id"))
	actor, err := a.Engine.Actors().Resolve(ctx, id)
	if err != nil {
		return err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Permissionf(domain.ReasonRole, "role %s cannot manage actors", actor.Role)
	}
	return nil
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail running tasks past their deadline now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.Context) error {
				release, err := a.SweepLock()
				if err != nil {
					return err
				}
				defer release()
				res, err := a.Engine.SweepOverdue(cmd.Context())
				if err != nil {
					return err
				}
				return printRecord(res, [][2]string{
					{"A", res.At},
					{"Controlees", formatCount(res.Checked, "tache(s)")},
					{"Echouees", joinIDs(res.Failed)},
				})
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Read the event log"}
	var n int
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.Context) error {
				items, err := a.Engine.Repo.LatestEvents(cmd.Context(), n, f)
				if err != nil {
					return err
				}
				if wantJSON() {
					return printJSON(items)
				}
				tw := newTable("#", "Quand", "Type", "Entite", "Acteur", "Detail")
				for _, evt := range items {
					tw.AppendRow([]any{evt.ID, ago(evt.TS), evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	tail.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.AddCommand(tail)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect ipmf.yml"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate ipmf.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	cmd.AddCommand(show, validate)
	return cmd
}
