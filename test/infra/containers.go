package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer is the throwaway database behind a stress run. A zero value
// stands for a database the run does not own.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container for the offer stress run.
// overrideDSN or STRESS_TEST_PG_DSN reuse an existing database instead.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN == "" {
		overrideDSN = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(stressDB),
		postgres.WithUsername(stressRole),
		postgres.WithPassword(stressPass),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
