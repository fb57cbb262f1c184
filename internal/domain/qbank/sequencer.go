package qbank

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/uwcirg/true-nth-usa-portal/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("qbank")

// Sequencer derives the ordered visits a user is expected to complete.
type Sequencer struct {
	enrollments EnrollmentSource
	banks       BankRepository
	pins        PinSource
	logger      zerolog.Logger
}

func NewSequencer(enrollments EnrollmentSource, banks BankRepository, pins PinSource, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		enrollments: enrollments,
		banks:       banks,
		pins:        pins,
		logger:      logger.With().Str("component", "qb_sequencer").Logger(),
	}
}

// SetPinSource replaces the pin source. Responses and the sequencer depend on
// each other, so the response service is attached after construction.
func (s *Sequencer) SetPinSource(pins PinSource) {
	s.pins = pins
}

// OrderedQBDs returns the user's visits for the given classifications
// (baseline and recurring when none are given). Missing enrollment data yields
// an empty sequence; inconsistent bank configuration is an error.
func (s *Sequencer) OrderedQBDs(ctx context.Context, userID uuid.UUID, classes ...Classification) (*Sequence, error) {
	ctx, span := tracer.Start(ctx, "qbank.OrderedQBDs")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID.String()))

	if len(classes) == 0 {
		classes = []Classification{Baseline, Recurring}
	}
	want := make(map[Classification]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}
	log := s.logger.With().Str("user_id", userID.String()).Logger()

	enr, err := s.enrollments.Enrollment(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	if enr == nil || enr.TriggerDate == nil {
		log.Debug().Msg("no trigger date, nothing scheduled")
		return emptySequence(), nil
	}
	if len(enr.Protocols) == 0 {
		log.Debug().Msg("no research protocol, nothing scheduled")
		return emptySequence(), nil
	}

	pins := map[Key]bool{}
	if s.pins != nil {
		if pins, err = s.pins.PinnedVisits(ctx, userID); err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("load pinned visits: %w", err)
		}
	}

	trigger := *enr.TriggerDate
	streams := make([]*protocolStream, len(enr.Protocols))
	bankProtocol := make(map[uuid.UUID]int)
	hasBaseline := false
	for i, p := range enr.Protocols {
		banks, err := s.banks.ListByProtocol(ctx, p.ID)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("load banks for protocol %s: %w", p.Name, err)
		}
		if err := ValidateProtocolBanks(banks); err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("protocol %s: %w", p.Name, err)
		}
		stream := &protocolStream{}
		for _, b := range banks {
			bankProtocol[b.ID] = i
			if b.Classification == Baseline {
				hasBaseline = true
			}
			if want[b.Classification] {
				stream.cursors = append(stream.cursors, &bankCursor{bank: b, trigger: trigger})
			}
		}
		streams[i] = stream
	}
	if !hasBaseline && (want[Baseline] || want[Recurring]) {
		log.Debug().Msg("no baseline bank for enrollment, nothing scheduled")
		return emptySequence(), nil
	}

	start := startingProtocol(enr.Protocols, trigger)
	for key := range pins {
		if i, ok := bankProtocol[key.BankID]; ok && i < start {
			start = i
		}
	}
	span.SetAttributes(attribute.String("protocol", enr.Protocols[start].Name))

	return &Sequence{
		streams:   streams,
		protocols: enr.Protocols,
		cur:       start,
		pins:      pins,
		withdrawn: enr.WithdrawnAt,
	}, nil
}

// startingProtocol is the version in effect on the trigger date.
func startingProtocol(protocols []Protocol, trigger time.Time) int {
	for i, p := range protocols {
		if p.RetiredAsOf == nil || p.RetiredAsOf.After(trigger) {
			return i
		}
	}
	return len(protocols) - 1
}

// Sequence lazily yields QBDs in schedule order. It is not restartable.
type Sequence struct {
	streams   []*protocolStream
	protocols []Protocol
	cur       int
	pins      map[Key]bool
	withdrawn *time.Time
	done      bool
}

func emptySequence() *Sequence {
	return &Sequence{done: true}
}

// Next returns the following visit, or false once the sequence is exhausted.
func (s *Sequence) Next() (QBD, bool) {
	for !s.done {
		q, ok := s.streams[s.cur].pop()
		if !ok {
			break
		}
		if s.withdrawn != nil && q.RelativeStart.After(*s.withdrawn) {
			break
		}
		if s.transitions(q) {
			s.cur++
			s.streams[s.cur].skipBefore(q)
			continue
		}
		return q, true
	}
	s.done = true
	return QBD{}, false
}

// All drains the sequence.
func (s *Sequence) All() []QBD {
	var out []QBD
	for q, ok := s.Next(); ok; q, ok = s.Next() {
		out = append(out, q)
	}
	return out
}

// transitions reports whether q must come from the successor protocol: the
// current version is retired before q closes and no response pins q.
func (s *Sequence) transitions(q QBD) bool {
	if s.cur+1 >= len(s.protocols) {
		return false
	}
	retired := s.protocols[s.cur].RetiredAsOf
	if retired == nil || s.pins[q.Key()] {
		return false
	}
	exp := q.ExpireAt()
	return exp == nil || exp.After(*retired)
}

// protocolStream merges the bank cursors of one protocol version by start.
type protocolStream struct {
	cursors []*bankCursor
}

func (p *protocolStream) head() *bankCursor {
	var best *bankCursor
	var bestQ QBD
	for _, c := range p.cursors {
		q, ok := c.peek()
		if !ok {
			continue
		}
		if best == nil || q.RelativeStart.Before(bestQ.RelativeStart) ||
			(q.RelativeStart.Equal(bestQ.RelativeStart) && q.Bank.Classification.rank() < bestQ.Bank.Classification.rank()) {
			best, bestQ = c, q
		}
	}
	return best
}

func (p *protocolStream) pop() (QBD, bool) {
	c := p.head()
	if c == nil {
		return QBD{}, false
	}
	return c.pop()
}

// skipBefore drops visits that start before q unless one carries q's visit
// name, which is then the equivalent visit in this protocol.
func (p *protocolStream) skipBefore(q QBD) {
	name := q.VisitName()
	for c := p.head(); c != nil; c = p.head() {
		next, _ := c.peek()
		if next.VisitName() == name || !next.RelativeStart.Before(q.RelativeStart) {
			return
		}
		c.pop()
	}
}

// bankCursor yields the visits of a single bank. Iterations of multiple rules
// are concatenated in rule order and numbered consecutively.
type bankCursor struct {
	bank      *QuestionnaireBank
	trigger   time.Time
	rule      int
	k         int
	iteration int
	emitted   bool
	done      bool
	next      *QBD
}

func (c *bankCursor) peek() (QBD, bool) {
	if c.next == nil && !c.done {
		c.advance()
	}
	if c.next == nil {
		return QBD{}, false
	}
	return *c.next, true
}

func (c *bankCursor) pop() (QBD, bool) {
	q, ok := c.peek()
	c.next = nil
	return q, ok
}

func (c *bankCursor) advance() {
	if c.bank.Classification != Recurring {
		if c.emitted {
			c.done = true
			return
		}
		c.emitted = true
		c.next = &QBD{
			Bank:          c.bank,
			RelativeStart: c.bank.Start.AddTo(c.trigger),
			Offset:        c.bank.Start,
		}
		return
	}

	for c.rule < len(c.bank.Recurs) {
		r := &c.bank.Recurs[c.rule]
		offset := c.bank.Start.Add(r.Start).Add(r.CycleLength.Scale(c.k))
		start := offset.AddTo(c.trigger)
		end := c.bank.Start.Add(r.Termination).AddTo(c.trigger)
		if start.Before(end) && (c.k == 0 || !r.CycleLength.IsZero()) {
			iteration := c.iteration
			c.next = &QBD{
				Bank:          c.bank,
				Recur:         r,
				Iteration:     &iteration,
				RelativeStart: start,
				Offset:        offset,
			}
			c.k++
			c.iteration++
			return
		}
		c.rule++
		c.k = 0
	}
	c.done = true
}
