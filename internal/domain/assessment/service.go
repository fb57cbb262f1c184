package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/cache"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("assessment")

type TimelineSource interface {
	Entries(ctx context.Context, userID uuid.UUID) ([]timeline.Entry, error)
}

type ResultsSource interface {
	Results(ctx context.Context, userID uuid.UUID) (map[qbank.Key]*response.Results, error)
}

// Summary is the assessment status of one participant at one instant.
type Summary struct {
	UserID        uuid.UUID    `json:"user_id"`
	AsOf          time.Time    `json:"as_of"`
	OverallStatus Status       `json:"overall_status"`
	Current       *VisitStatus `json:"current,omitempty"`
	Indefinite    *VisitStatus `json:"indefinite,omitempty"`
}

type Service struct {
	timeline TimelineSource
	visits   timeline.VisitSource
	results  ResultsSource
	epoch    *cache.Coordinator
	store    cache.Store
	ttl      time.Duration
	logger   zerolog.Logger
}

func NewService(
	tl TimelineSource,
	visits timeline.VisitSource,
	results ResultsSource,
	epoch *cache.Coordinator,
	store cache.Store,
	ttl time.Duration,
	logger zerolog.Logger,
) *Service {
	return &Service{
		timeline: tl,
		visits:   visits,
		results:  results,
		epoch:    epoch,
		store:    store,
		ttl:      ttl,
		logger:   logger.With().Str("component", "assessment_status").Logger(),
	}
}

// OverallStatus reads the user's status at asOf from the stored timeline.
func (s *Service) OverallStatus(ctx context.Context, userID uuid.UUID, asOf time.Time) (Status, error) {
	entries, err := s.timeline.Entries(ctx, userID)
	if err != nil {
		return "", err
	}
	return OverallStatusAt(entries, asOf), nil
}

// CurrentQBD returns the open visit of the classification at asOf, or nil.
// An empty classification selects baseline and recurring visits.
func (s *Service) CurrentQBD(ctx context.Context, userID uuid.UUID, asOf time.Time, class qbank.Classification) (*qbank.QBD, error) {
	visits, err := s.visits.AllVisits(ctx, userID)
	if err != nil {
		return nil, err
	}
	return CurrentQBD(visits, asOf, class), nil
}

// Summary computes the full status at asOf.
func (s *Service) Summary(ctx context.Context, userID uuid.UUID, asOf time.Time) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "assessment.Summary")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID.String()))

	asOf = asOf.UTC().Truncate(time.Second)
	entries, err := s.timeline.Entries(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	visits, err := s.visits.AllVisits(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("sequence visits: %w", err)
	}
	results, err := s.results.Results(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load results: %w", err)
	}

	sum := &Summary{UserID: userID, AsOf: asOf, OverallStatus: OverallStatusAt(entries, asOf)}
	if q := CurrentQBD(visits, asOf, ""); q != nil && sum.OverallStatus != Withdrawn {
		vs := Instruments(*q, results[q.Key()])
		sum.Current = &vs
	}
	if q := CurrentQBD(visits, asOf, qbank.Indefinite); q != nil {
		vs := Instruments(*q, results[q.Key()])
		sum.Indefinite = &vs
	}
	return sum, nil
}

// CachedSummary returns the summary as of the current cache epoch, shared by
// every lookup made within that epoch.
func (s *Service) CachedSummary(ctx context.Context, userID uuid.UUID) (*Summary, error) {
	epoch, err := s.epoch.Current(ctx)
	if err != nil {
		return nil, err
	}
	ns, key := userID.String(), epoch.Key()
	log := s.logger.With().Str("user_id", ns).Str("epoch", key).Logger()

	if raw, ok, err := s.store.Get(ctx, ns, key); err != nil {
		log.Warn().Err(err).Msg("status cache read failed")
	} else if ok {
		var sum Summary
		if err := json.Unmarshal(raw, &sum); err == nil {
			return &sum, nil
		}
		log.Warn().Msg("discarding undecodable cached status")
	}

	sum, err := s.Summary(ctx, userID, epoch.At)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(sum)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, ns, key, raw, s.ttl); err != nil {
		log.Warn().Err(err).Msg("status cache write failed")
	}
	return sum, nil
}

// InvalidateUser drops every cached summary of the user.
func (s *Service) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	return s.store.DeleteNamespace(ctx, userID.String())
}

// CurrentEpoch reports the cache epoch.
func (s *Service) CurrentEpoch(ctx context.Context) (cache.Epoch, error) {
	return s.epoch.Current(ctx)
}

// AdvanceEpoch moves the shared cache epoch; a zero time means now.
func (s *Service) AdvanceEpoch(ctx context.Context, to time.Time) (cache.Epoch, error) {
	return s.epoch.Advance(ctx, to)
}
