// Command seed applies schema migrations and loads the default earn/redeem
// catalog into Postgres. Safe to rerun; presets are upserted by ID.
package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/rewardledger/internal/config"
	"example.com/rewardledger/internal/domain"
	persistence "example.com/rewardledger/internal/persistence/postgres"
)

func main() {
	cfg := config.Load()

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	if err := applyMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	repo := persistence.NewRepository(pool)

	for _, preset := range defaultActivities() {
		if err := repo.UpsertActivity(ctx, preset); err != nil {
			log.Fatalf("seed activity %s: %v", preset.ID, err)
		}
	}
	for _, preset := range defaultRewards() {
		if err := repo.UpsertReward(ctx, preset); err != nil {
			log.Fatalf("seed reward %s: %v", preset.ID, err)
		}
	}

	log.Printf("seed complete (%d activities, %d rewards)", len(defaultActivities()), len(defaultRewards()))
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".up.sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		sql, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return err
		}
		log.Printf("applied migration %s", name)
	}
	return nil
}

func defaultActivities() []domain.ActivityPreset {
	return []domain.ActivityPreset{
		{
			ID:           "ring-fit",
			Name:         "Ring Fit",
			Unit:         "minutes",
			PointsByUnit: map[string]int64{"45": 250},
			Tags:         []string{"indoor", "game"},
		},
		{
			ID:           "row",
			Name:         "Row",
			Unit:         "minutes",
			PointsByUnit: map[string]int64{"30": 250, "45": 350, "60": 400},
			IntensityModifier: map[string]float64{
				"Easy": 0.9, "Moderate": 1, "Intense": 1.1,
			},
			Tags: []string{"indoor", "cardio"},
		},
		{
			ID:           "run",
			Name:         "Run",
			Unit:         "minutes",
			PointsByUnit: map[string]int64{"30": 300, "60": 500},
			Outdoors:     true,
			Tags:         []string{"cardio"},
		},
		{
			ID:           "hula-hoop",
			Name:         "Hula Hoop",
			Unit:         "minutes",
			PointsByUnit: map[string]int64{"10": 5},
			Tags:         []string{"indoor"},
		},
		{
			ID:           "park-walk",
			Name:         "Walk around the park",
			Unit:         "laps",
			PointsByUnit: map[string]int64{"1": 25, "2": 50, "3": 75},
			Outdoors:     true,
			Tags:         []string{"low-impact"},
		},
		{
			ID:           "hike",
			Name:         "Hike",
			Unit:         "miles",
			PointsByUnit: map[string]int64{"1": 125, "2": 250, "3": 350, "4": 400, "8.5": 1000},
			Outdoors:     true,
			Tags:         []string{"cardio"},
		},
		{
			ID:           "exercise-class",
			Name:         "Exercise Class",
			Unit:         "minutes",
			PointsByUnit: map[string]int64{"30": 200},
			IntensityModifier: map[string]float64{
				"Easy": 0.6, "Moderate": 1, "Intense": 1.7,
			},
			Tags: []string{"group"},
		},
		{
			ID:           "yoga",
			Name:         "Yoga",
			Unit:         "minutes",
			PointsByUnit: map[string]int64{"10": 30, "20": 50, "30": 75, "45": 120, "60": 150},
			IntensityModifier: map[string]float64{
				"Easy": 0.7, "Moderate": 1, "Intense": 1.5,
			},
			Tags: []string{"indoor", "low-impact"},
		},
		{
			ID:           "calisthenics",
			Name:         "Calisthenics",
			Unit:         "minutes",
			PointsByUnit: map[string]int64{"10": 70, "20": 140, "30": 200},
			IntensityModifier: map[string]float64{
				"Easy": 0.5, "Moderate": 1, "Intense": 1.5,
			},
			Tags: []string{"strength"},
		},
	}
}

func defaultRewards() []domain.RewardPreset {
	return []domain.RewardPreset{
		{ID: "kombucha", Name: "Kombucha", PointValue: 10, Tags: []string{"drink"}},
		{ID: "fresh-fruit", Name: "Fresh Fruit", PointValue: 25, Tags: []string{"snack"}},
		{ID: "juice", Name: "Juice", PointValue: 50, Tags: []string{"drink"}},
		{ID: "cookie", Name: "Cookie", PointValue: 80, Tags: []string{"snack"}},
		{ID: "hot-chocolate", Name: "Hot Chocolate", PointValue: 100, Tags: []string{"drink"}},
		{ID: "wine", Name: "Wine", PointValue: 120, Tags: []string{"drink"}},
		{ID: "whiskey", Name: "Whiskey", PointValue: 150, Tags: []string{"drink"}},
		{ID: "ice-cream", Name: "Ice Cream", PointValue: 250, Tags: []string{"snack"}},
		{ID: "pizza", Name: "Pizza", PointValue: 350, Tags: []string{"meal"}},
		{ID: "pastry", Name: "Pastry", PointValue: 350, Tags: []string{"snack"}},
		{ID: "fast-food", Name: "Fast Food", PointValue: 400, Tags: []string{"meal"}},
	}
}
