package preset

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wallfleet/wallsync/internal/models"
)

var (
	// ErrNotFound is returned when a preset id does not exist.
	ErrNotFound = errors.New("preset not found")
	// ErrTooFewDevices rejects presets with fewer than two devices.
	ErrTooFewDevices = errors.New("preset needs at least 2 devices")
	// ErrDurationMismatch rejects PER_DEVICE presets with unequal media durations.
	ErrDurationMismatch = errors.New("per-device media durations must be identical")
	// ErrMissingMedia rejects assignments without a media reference.
	ErrMissingMedia = errors.New("media reference missing")
)

// Service owns preset CRUD. Presets are read-only input to session creation;
// sessions copy what they need, so editing a preset never affects a session
// already built from it.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New creates the preset service.
func New(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "preset").Logger(),
	}
}

// CreateInput describes a new preset.
type CreateInput struct {
	Name                  string
	Mode                  models.AssignmentMode
	CommonMediaID         string
	CommonMediaDurationMs int64
	Assignments           []AssignmentInput
}

// AssignmentInput binds one device to the preset.
type AssignmentInput struct {
	DeviceID        string
	MediaID         string
	MediaDurationMs int64
}

// Create validates and stores a preset.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Preset, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	p := models.Preset{
		ID:                    uuid.New().String(),
		Name:                  in.Name,
		Mode:                  in.Mode,
		CommonMediaID:         in.CommonMediaID,
		CommonMediaDurationMs: in.CommonMediaDurationMs,
	}
	switch in.Mode {
	case models.AssignmentCommon:
		p.TargetDurationMs = in.CommonMediaDurationMs
	case models.AssignmentPerDevice:
		p.TargetDurationMs = in.Assignments[0].MediaDurationMs
	}
	for _, a := range in.Assignments {
		p.Assignments = append(p.Assignments, models.PresetAssignment{
			PresetID:        p.ID,
			DeviceID:        a.DeviceID,
			MediaID:         a.MediaID,
			MediaDurationMs: a.MediaDurationMs,
		})
	}

	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return nil, fmt.Errorf("create preset: %w", err)
	}

	s.logger.Info().Str("preset_id", p.ID).Str("name", p.Name).Str("mode", string(p.Mode)).Msg("preset created")
	return &p, nil
}

func validate(in CreateInput) error {
	if len(in.Assignments) < 2 {
		return ErrTooFewDevices
	}
	switch in.Mode {
	case models.AssignmentCommon:
		if in.CommonMediaID == "" {
			return ErrMissingMedia
		}
	case models.AssignmentPerDevice:
		want := in.Assignments[0].MediaDurationMs
		for _, a := range in.Assignments {
			if a.MediaID == "" {
				return fmt.Errorf("device %s: %w", a.DeviceID, ErrMissingMedia)
			}
			if a.MediaDurationMs != want {
				return ErrDurationMismatch
			}
		}
	default:
		return fmt.Errorf("unknown assignment mode %q", in.Mode)
	}
	return nil
}

// Get loads a preset with its assignments.
func (s *Service) Get(ctx context.Context, id string) (*models.Preset, error) {
	var p models.Preset
	err := s.db.WithContext(ctx).Preload("Assignments").First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load preset %s: %w", id, err)
	}
	return &p, nil
}

// List returns all presets with assignments.
func (s *Service) List(ctx context.Context) ([]models.Preset, error) {
	var presets []models.Preset
	if err := s.db.WithContext(ctx).Preload("Assignments").Order("name ASC").Find(&presets).Error; err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	return presets, nil
}

// Delete removes a preset and its assignments.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Preset{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete preset %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Delete(&models.PresetAssignment{}, "preset_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete preset assignments %s: %w", id, err)
		}
		return nil
	})
}

// MediaFor resolves the media reference a given device should play: the
// shared media in COMMON mode, the device's own mapping in PER_DEVICE mode.
func MediaFor(p *models.Preset, deviceID string) (string, error) {
	switch p.Mode {
	case models.AssignmentCommon:
		if p.CommonMediaID == "" {
			return "", fmt.Errorf("preset %s: %w", p.ID, ErrMissingMedia)
		}
		return p.CommonMediaID, nil
	case models.AssignmentPerDevice:
		for _, a := range p.Assignments {
			if a.DeviceID == deviceID {
				if a.MediaID == "" {
					return "", fmt.Errorf("device %s in preset %s: %w", deviceID, p.ID, ErrMissingMedia)
				}
				return a.MediaID, nil
			}
		}
		return "", fmt.Errorf("device %s has no mapping in preset %s: %w", deviceID, p.ID, ErrMissingMedia)
	}
	return "", fmt.Errorf("preset %s: unknown assignment mode %q", p.ID, p.Mode)
}
