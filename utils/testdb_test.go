package utils

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"testing"

	"creatorflow/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq int64

// setupTestDB opens an isolated in-memory database with the engine's schema.
// cache=shared keeps the database alive across the pool's connections, and
// the busy timeout lets concurrent writers queue instead of erroring.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:utilstest%d?mode=memory&cache=shared&_pragma=busy_timeout(10000)",
		atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.MigrateDB(db))
	return db
}

func testLogger() *log.Logger {
	return log.New(os.Stdout, "TEST: ", log.LstdFlags)
}

// seedBrandAndCreator inserts one brand with one creator.
func seedBrandAndCreator(t *testing.T, db *gorm.DB, status models.CreatorStatus) (*models.Brand, *models.Creator) {
	t.Helper()

	brand := models.Brand{Name: "Acme", FromEmail: "hello@acme.test", FromName: "Acme"}
	require.NoError(t, db.Create(&brand).Error)

	creator := models.Creator{
		BrandID: brand.ID,
		Name:    "Jordan",
		Email:   "jordan@creators.test",
		Status:  status,
	}
	require.NoError(t, db.Create(&creator).Error)
	return &brand, &creator
}

// seedSequence inserts a sequence with the given step delays, step N getting
// delay (days[N-1], 0 hours).
func seedSequence(t *testing.T, db *gorm.DB, brandID uint, trigger string, delayDays ...int) *models.Sequence {
	t.Helper()

	seq := models.Sequence{
		BrandID:      brandID,
		Name:         trigger,
		TriggerEvent: trigger,
		IsActive:     true,
	}
	for i, days := range delayDays {
		seq.Steps = append(seq.Steps, models.SequenceStep{
			StepOrder:   i + 1,
			DelayDays:   days,
			Subject:     fmt.Sprintf("Step %d for {{.CreatorName}}", i+1),
			HTMLContent: fmt.Sprintf("<p>Step %d body</p>", i+1),
			TextContent: fmt.Sprintf("Step %d body", i+1),
		})
	}
	require.NoError(t, db.Create(&seq).Error)
	return &seq
}
