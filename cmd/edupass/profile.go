package main

import (
	"errors"
	"fmt"

	"github.com/layer-3/edupass/adapters/sqldb"
	"github.com/layer-3/edupass/config"
	"github.com/layer-3/edupass/core"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func profileCommand(v *viper.Viper) *cobra.Command {
	c := &cobra.Command{
		Use:   "profile",
		Short: "Manages identity profiles",
	}
	c.AddCommand(profileAddCommand(v))
	return c
}

func profileAddCommand(v *viper.Viper) *cobra.Command {
	var (
		identity string
		role     string
		userID   int64
	)
	c := &cobra.Command{
		Use:   "add",
		Short: "Creates or replaces the profile of a ledger identity",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("profile add needs DATABASE_URL")
			}
			if err := core.ValidateIdentity(identity); err != nil {
				return err
			}
			r := core.Role(role)
			switch r {
			case core.RoleAdmin, core.RoleIssuer, core.RoleBeneficiary, core.RoleInstitution:
			default:
				return fmt.Errorf("unknown role %q", role)
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			db, err := sqldb.Open(c.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			p := core.Profile{Identity: identity, Role: r, UserID: userID}
			if err := sqldb.NewProfileStore(db).PutProfile(c.Context(), p); err != nil {
				return err
			}
			log.Info("profile saved", zap.String("identity", identity), zap.String("role", role), zap.Int64("user_id", userID))
			return nil
		},
	}
	c.Flags().StringVar(&identity, "identity", "", "ledger account id (G...)")
	c.Flags().StringVar(&role, "role", string(core.RoleBeneficiary), "admin, issuer, beneficiary or institution")
	c.Flags().Int64Var(&userID, "user-id", 0, "local user id")
	_ = c.MarkFlagRequired("identity")
	return c
}
