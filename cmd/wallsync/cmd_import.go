package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm/clause"

	"github.com/wallfleet/wallsync/internal/models"
	"github.com/wallfleet/wallsync/internal/preset"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import fleet definitions",
	Long:  "Import devices and playback presets from a YAML fleet file",
}

var importFleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Import devices and presets from a YAML file",
	RunE:  runImportFleet,
}

var (
	fleetFilePath string
	fleetDryRun   bool
)

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importFleetCmd)

	importFleetCmd.Flags().StringVar(&fleetFilePath, "file", "", "Path to fleet YAML file (required)")
	importFleetCmd.Flags().BoolVar(&fleetDryRun, "dry-run", false, "Parse and validate without importing")
	importFleetCmd.MarkFlagRequired("file")
}

// fleetFile is the YAML shape accepted by `wallsync import fleet`.
type fleetFile struct {
	Devices []fleetDevice `yaml:"devices"`
	Presets []fleetPreset `yaml:"presets"`
}

type fleetDevice struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type fleetPreset struct {
	Name                  string            `yaml:"name"`
	Mode                  string            `yaml:"mode"`
	CommonMediaID         string            `yaml:"common_media_id"`
	CommonMediaDurationMs int64             `yaml:"common_media_duration_ms"`
	Assignments           []fleetAssignment `yaml:"assignments"`
}

type fleetAssignment struct {
	Device          string `yaml:"device"`
	MediaID         string `yaml:"media_id"`
	MediaDurationMs int64  `yaml:"media_duration_ms"`
}

func runImportFleet(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	raw, err := os.ReadFile(fleetFilePath)
	if err != nil {
		return fmt.Errorf("read fleet file: %w", err)
	}

	var fleet fleetFile
	if err := yaml.Unmarshal(raw, &fleet); err != nil {
		return fmt.Errorf("parse fleet file: %w", err)
	}

	logger.Info().
		Str("file", fleetFilePath).
		Int("devices", len(fleet.Devices)).
		Int("presets", len(fleet.Presets)).
		Bool("dry_run", fleetDryRun).
		Msg("starting fleet import")

	// Device names in the file key preset assignments; resolve them up front
	// so a dangling reference fails before any writes.
	byName := make(map[string]*fleetDevice, len(fleet.Devices))
	for i := range fleet.Devices {
		d := &fleet.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("device %d: name is required", i)
		}
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if _, dup := byName[d.Name]; dup {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		byName[d.Name] = d
	}
	for _, p := range fleet.Presets {
		for _, a := range p.Assignments {
			if _, ok := byName[a.Device]; !ok {
				return fmt.Errorf("preset %q references unknown device %q", p.Name, a.Device)
			}
		}
	}

	if fleetDryRun {
		fmt.Printf("\nImport Preview:\n")
		fmt.Printf("  Devices: %d\n", len(fleet.Devices))
		fmt.Printf("  Presets: %d\n", len(fleet.Presets))
		fmt.Printf("\nRun without --dry-run to perform the import.\n")
		return nil
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	ctx := context.Background()

	devicesCreated := 0
	for _, d := range fleet.Devices {
		res := database.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).Create(&models.Device{ID: d.ID, Name: d.Name})
		if res.Error != nil {
			return fmt.Errorf("import device %q: %w", d.Name, res.Error)
		}
		devicesCreated += int(res.RowsAffected)
	}

	presets := preset.New(database, logger)

	presetsCreated := 0
	for _, p := range fleet.Presets {
		in := preset.CreateInput{
			Name:                  p.Name,
			Mode:                  models.AssignmentMode(p.Mode),
			CommonMediaID:         p.CommonMediaID,
			CommonMediaDurationMs: p.CommonMediaDurationMs,
		}
		for _, a := range p.Assignments {
			in.Assignments = append(in.Assignments, preset.AssignmentInput{
				DeviceID:        byName[a.Device].ID,
				MediaID:         a.MediaID,
				MediaDurationMs: a.MediaDurationMs,
			})
		}
		if _, err := presets.Create(ctx, in); err != nil {
			return fmt.Errorf("import preset %q: %w", p.Name, err)
		}
		presetsCreated++
	}

	fmt.Printf("\nImport Complete!\n")
	fmt.Printf("  Devices: %d created (%d already present)\n", devicesCreated, len(fleet.Devices)-devicesCreated)
	fmt.Printf("  Presets: %d created\n", presetsCreated)

	logger.Info().Msg("fleet import completed successfully")
	return nil
}
