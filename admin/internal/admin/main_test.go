package admin

import (
	"context"
	"os"
	"testing"

	zonestesting "github.com/malbeclabs/zones/utils/pkg/testing"
	chtesting "github.com/malbeclabs/zones/zones/pkg/clickhouse/testing"
	pgtesting "github.com/malbeclabs/zones/zones/pkg/store/postgres/testing"
)

var (
	sharedDB *pgtesting.DB
	sharedCH *chtesting.DB
)

func TestMain(m *testing.M) {
	log := zonestesting.NewLogger()
	var err error
	sharedDB, err = pgtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	sharedCH, err = chtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared ClickHouse", "error", err)
		sharedDB.Close()
		os.Exit(1)
	}
	code := m.Run()
	sharedCH.Close()
	sharedDB.Close()
	os.Exit(code)
}

func testPostgres(t *testing.T) *zonestesting.Postgres {
	return zonestesting.NewPostgres(t, sharedDB)
}

func testClickHouse(t *testing.T) *zonestesting.ClickHouse {
	return zonestesting.NewClickHouse(t, sharedCH)
}
