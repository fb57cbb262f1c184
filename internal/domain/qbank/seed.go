package qbank

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SeedFile describes protocol versions and their questionnaire banks.
type SeedFile struct {
	Protocols []SeedProtocol `yaml:"protocols"`
	Banks     []SeedBank     `yaml:"questionnaire_banks"`
}

type SeedProtocol struct {
	Name           string     `yaml:"name"`
	OrganizationID string     `yaml:"organization_id"`
	RetiredAsOf    *time.Time `yaml:"retired_as_of"`
}

type SeedBank struct {
	Name           string           `yaml:"name"`
	Classification string           `yaml:"classification"`
	Protocol       string           `yaml:"protocol"`
	Start          RelativeDelta    `yaml:"start"`
	Overdue        *RelativeDelta   `yaml:"overdue"`
	Expired        *RelativeDelta   `yaml:"expired"`
	Questionnaires []string         `yaml:"questionnaires"`
	Recurs         []RecurrenceRule `yaml:"recurs"`
}

// ProtocolRegistrar creates or updates a protocol version by name, and
// propagates a batch of protocol changes once their banks exist.
type ProtocolRegistrar interface {
	RegisterProtocol(ctx context.Context, name string, organizationID *uuid.UUID, retiredAsOf *time.Time) (uuid.UUID, error)
	NotifyProtocolsChanged(ctx context.Context, protocolIDs []uuid.UUID) error
}

type SeedResult struct {
	Protocols int `json:"protocols"`
	Banks     int `json:"banks"`
}

func ParseSeed(r io.Reader) (*SeedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f SeedFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &f, nil
}

func LoadSeedFile(path string) (*SeedFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer fh.Close()
	return ParseSeed(fh)
}

// banks converts the seed banks, grouped by protocol name, and validates each
// group.
func (f *SeedFile) banks() (map[string][]*QuestionnaireBank, error) {
	known := make(map[string]bool, len(f.Protocols))
	for _, p := range f.Protocols {
		if p.Name == "" {
			return nil, fmt.Errorf("protocol name is required")
		}
		known[p.Name] = true
	}

	grouped := make(map[string][]*QuestionnaireBank)
	for _, sb := range f.Banks {
		class, err := ParseClassification(sb.Classification)
		if err != nil {
			return nil, fmt.Errorf("bank %q: %w", sb.Name, err)
		}
		if sb.Protocol != "" && !known[sb.Protocol] {
			return nil, fmt.Errorf("bank %q references unknown protocol %q", sb.Name, sb.Protocol)
		}
		grouped[sb.Protocol] = append(grouped[sb.Protocol], &QuestionnaireBank{
			Name:           sb.Name,
			Classification: class,
			Start:          sb.Start,
			Overdue:        sb.Overdue,
			Expired:        sb.Expired,
			Questionnaires: sb.Questionnaires,
			Recurs:         sb.Recurs,
		})
	}
	for name, banks := range grouped {
		if err := ValidateProtocolBanks(banks); err != nil {
			return nil, fmt.Errorf("protocol %q: %w", name, err)
		}
	}
	return grouped, nil
}

// ApplySeed validates the whole file, then writes protocols and banks in one
// transaction.
func (s *Service) ApplySeed(ctx context.Context, f *SeedFile, protocols ProtocolRegistrar) (*SeedResult, error) {
	grouped, err := f.banks()
	if err != nil {
		return nil, err
	}

	res := &SeedResult{}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		ids := make(map[string]uuid.UUID, len(f.Protocols))
		var registered []uuid.UUID
		for _, p := range f.Protocols {
			var orgID *uuid.UUID
			if p.OrganizationID != "" {
				id, err := uuid.Parse(p.OrganizationID)
				if err != nil {
					return fmt.Errorf("protocol %q: invalid organization_id: %w", p.Name, err)
				}
				orgID = &id
			}
			id, err := protocols.RegisterProtocol(ctx, p.Name, orgID, p.RetiredAsOf)
			if err != nil {
				return fmt.Errorf("register protocol %q: %w", p.Name, err)
			}
			ids[p.Name] = id
			registered = append(registered, id)
			res.Protocols++
		}
		for name, banks := range grouped {
			for _, b := range banks {
				if name != "" {
					id := ids[name]
					b.ResearchProtocolID = &id
				}
				if err := s.banks.Create(ctx, b); err != nil {
					return err
				}
				res.Banks++
			}
		}
		return protocols.NotifyProtocolsChanged(ctx, registered)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
