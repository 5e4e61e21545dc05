package apply

import (
	"context"
	"os"
	"testing"

	zonestesting "github.com/malbeclabs/zones/utils/pkg/testing"
	pgtesting "github.com/malbeclabs/zones/zones/pkg/store/postgres/testing"
)

var (
	sharedDB *pgtesting.DB
)

func TestMain(m *testing.M) {
	log := zonestesting.NewLogger()
	var err error
	sharedDB, err = pgtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testPostgres(t *testing.T) *zonestesting.Postgres {
	return zonestesting.NewPostgres(t, sharedDB)
}
