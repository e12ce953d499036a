// Package sample seeds the in-memory stores from a JSON file at startup.
package sample

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"shiftcast/internal/domain"
	"shiftcast/internal/store"
	logx "shiftcast/pkg/logx"
)

// Seed is the on-disk shape of a sample data file.
type Seed struct {
	Caregivers []domain.Caregiver `json:"caregivers"`
	Shifts     []domain.Shift     `json:"shifts"`
}

// Load reads the seed file and upserts its records. A missing file is not an
// error so a fresh deployment can start empty. Records without an id get one.
func Load(path string, caregivers *store.Store[domain.Caregiver], shifts *store.Store[domain.Shift], log logx.Logger) error {
	if path == "" {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("sample data file absent; starting empty", logx.String("path", path))
			return nil
		}
		return fmt.Errorf("read sample data: %w", err)
	}

	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse sample data %s: %w", path, err)
	}

	for _, cg := range seed.Caregivers {
		if cg.ID == "" {
			cg.ID = uuid.NewString()
		}
		caregivers.Put(cg.ID, cg)
	}
	for _, s := range seed.Shifts {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		shifts.Put(s.ID, s)
	}

	log.Info("sample data loaded",
		logx.String("path", path),
		logx.Int("caregivers", len(seed.Caregivers)),
		logx.Int("shifts", len(seed.Shifts)))
	return nil
}
