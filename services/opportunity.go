package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grantscraper/identity"
	"grantscraper/models"
	"grantscraper/storage"
)

// OpportunityService is the fan-out between extraction results and the
// opportunity store: invariant checks, in-batch dedup, bulk insert.
type OpportunityService struct {
	store  storage.OpportunityStore
	logger zerolog.Logger
}

func NewOpportunityService(store storage.OpportunityStore, logger zerolog.Logger) *OpportunityService {
	return &OpportunityService{
		store:  store,
		logger: logger.With().Str("component", "opportunities").Logger(),
	}
}

// Persist writes a batch of extracted opportunities and returns how many
// survived dedup. Records missing provenance (source_url, website_id) are
// dropped with a warning rather than stored inconsistent.
func (s *OpportunityService) Persist(ctx context.Context, opps []models.Opportunity) (int, error) {
	if len(opps) == 0 {
		return 0, nil
	}

	seen := make(map[string]bool, len(opps))
	batch := make([]models.Opportunity, 0, len(opps))
	for i := range opps {
		o := opps[i]
		if o.SourceURL == "" || o.WebsiteID == uuid.Nil {
			s.logger.Warn().Str("title", o.Title).Msg("dropping opportunity without provenance")
			continue
		}

		fp := identity.Fingerprint(&o)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		batch = append(batch, o)
	}

	if len(batch) == 0 {
		return 0, nil
	}

	if err := s.store.BulkInsertOpportunities(ctx, batch); err != nil {
		return 0, fmt.Errorf("bulk insert: %w", err)
	}
	return len(batch), nil
}
