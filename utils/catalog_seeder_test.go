package utils

import (
	"sync"
	"testing"

	"creatorflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCatalogClonesStarterOnce(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, models.CreateStarterSequences(db))

	brand := models.Brand{Name: "Acme"}
	require.NoError(t, db.Create(&brand).Error)

	cs := NewCatalogSeeder(db, testLogger())
	require.NoError(t, cs.EnsureCatalog(brand.ID))

	var starterCount, brandCount int64
	require.NoError(t, db.Model(&models.Sequence{}).Where("brand_id = ?", models.StarterBrandID).Count(&starterCount).Error)
	require.NoError(t, db.Model(&models.Sequence{}).Where("brand_id = ?", brand.ID).Count(&brandCount).Error)
	assert.Equal(t, starterCount, brandCount)

	// Steps come along in the deep copy.
	var clone models.Sequence
	require.NoError(t, db.Preload("Steps").Where("brand_id = ? AND trigger_event = ?", brand.ID, "status_added").First(&clone).Error)
	assert.NotEmpty(t, clone.Steps)

	// Second call is a no-op.
	require.NoError(t, cs.EnsureCatalog(brand.ID))
	require.NoError(t, db.Model(&models.Sequence{}).Where("brand_id = ?", brand.ID).Count(&brandCount).Error)
	assert.Equal(t, starterCount, brandCount)
}

func TestEnsureCatalogConcurrentFirstUse(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, models.CreateStarterSequences(db))

	brand := models.Brand{Name: "Acme"}
	require.NoError(t, db.Create(&brand).Error)

	cs := NewCatalogSeeder(db, testLogger())

	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = cs.EnsureCatalog(brand.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	var starterCount, brandCount int64
	require.NoError(t, db.Model(&models.Sequence{}).Where("brand_id = ?", models.StarterBrandID).Count(&starterCount).Error)
	require.NoError(t, db.Model(&models.Sequence{}).Where("brand_id = ?", brand.ID).Count(&brandCount).Error)
	assert.Equal(t, starterCount, brandCount, "concurrent first use must not double-clone")
}

func TestEnsureCatalogKeepsAuthoredSequences(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, models.CreateStarterSequences(db))

	brand := models.Brand{Name: "Acme"}
	require.NoError(t, db.Create(&brand).Error)
	seedSequence(t, db, brand.ID, "custom_trigger", 0)

	cs := NewCatalogSeeder(db, testLogger())
	require.NoError(t, cs.EnsureCatalog(brand.ID))

	// The brand authored its own catalog; nothing is cloned on top.
	var brandCount int64
	require.NoError(t, db.Model(&models.Sequence{}).Where("brand_id = ?", brand.ID).Count(&brandCount).Error)
	assert.EqualValues(t, 1, brandCount)

	var got models.Brand
	require.NoError(t, db.First(&got, brand.ID).Error)
	assert.NotNil(t, got.CatalogSeededAt)
}

func TestEnsureCatalogEditsDoNotLeakBetweenBrands(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, models.CreateStarterSequences(db))

	brandA := models.Brand{Name: "A"}
	brandB := models.Brand{Name: "B"}
	require.NoError(t, db.Create(&brandA).Error)
	require.NoError(t, db.Create(&brandB).Error)

	cs := NewCatalogSeeder(db, testLogger())
	require.NoError(t, cs.EnsureCatalog(brandA.ID))
	require.NoError(t, cs.EnsureCatalog(brandB.ID))

	require.NoError(t, db.Model(&models.Sequence{}).
		Where("brand_id = ? AND trigger_event = ?", brandA.ID, "status_added").
		Update("name", "A's renamed onboarding").Error)

	var bSeq models.Sequence
	require.NoError(t, db.Where("brand_id = ? AND trigger_event = ?", brandB.ID, "status_added").First(&bSeq).Error)
	assert.NotEqual(t, "A's renamed onboarding", bSeq.Name)

	var starter models.Sequence
	require.NoError(t, db.Where("brand_id = ? AND trigger_event = ?", models.StarterBrandID, "status_added").First(&starter).Error)
	assert.NotEqual(t, "A's renamed onboarding", starter.Name)
}
