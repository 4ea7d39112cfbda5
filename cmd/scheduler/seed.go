package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/spf13/cobra"

	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/config"
)

var seedZones = []string{
	"Europe/Berlin",
	"Europe/London",
	"America/New_York",
	"America/Chicago",
	"Asia/Dubai",
	"UTC",
}

func seedCmd() *cobra.Command {
	var (
		doctors     int
		translators int
		seed        uint64
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create fake providers with weekday availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.StoreBackend != config.BackendPostgres {
				return errors.New("seed needs STORE_BACKEND=postgres")
			}

			faker := gofakeit.New(seed)
			if err := seedProviders(cmd.Context(), a.providers, faker, availability.RoleDoctor, doctors); err != nil {
				return fmt.Errorf("seed doctors: %w", err)
			}
			if err := seedProviders(cmd.Context(), a.providers, faker, availability.RoleTranslator, translators); err != nil {
				return fmt.Errorf("seed translators: %w", err)
			}
			a.log.Info().Int("doctors", doctors).Int("translators", translators).Msg("seed complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&doctors, "doctors", 100, "number of doctors")
	cmd.Flags().IntVar(&translators, "translators", 20, "number of translators")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed, 0 picks one")
	return cmd
}

// seedProviders creates count providers, each with a weekday rule and a
// shorter Saturday rule.
func seedProviders(ctx context.Context, store availability.Store, faker *gofakeit.Faker, role availability.Role, count int) error {
	validFrom := availability.Date(time.Now().Year(), 1, 1)

	for i := 0; i < count; i++ {
		p, err := store.CreateProvider(ctx, availability.Provider{
			Role:        role,
			DisplayName: faker.Name(),
			TimeZone:    seedZones[faker.Number(0, len(seedZones)-1)],
			HourlyRate:  int64(faker.Number(40, 250)) * 100,
			Currency:    faker.RandomString([]string{"EUR", "USD", "GBP"}),
		})
		if err != nil {
			return err
		}

		startHour := faker.Number(7, 10)
		granularity := faker.RandomInt([]int{15, 20, 30, 60})
		if _, err := store.PutRule(ctx, p.ID, availability.Rule{
			Weekdays:           []int16{1, 2, 3, 4, 5},
			Start:              availability.Clock(startHour, 0),
			End:                availability.Clock(startHour+8, 0),
			ValidFrom:          validFrom,
			GranularityMinutes: granularity,
		}); err != nil {
			return err
		}

		if faker.Bool() {
			if _, err := store.PutRule(ctx, p.ID, availability.Rule{
				Weekdays:           []int16{6},
				Start:              availability.Clock(9, 0),
				End:                availability.Clock(13, 0),
				ValidFrom:          validFrom,
				GranularityMinutes: granularity,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
