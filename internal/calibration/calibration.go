// Package calibration holds the per-exercise constants used by the analyzers.
//
// The defaults match a fixed camera setup (720p portrait-ish framing with the
// athlete filling most of the frame). Every value can be overridden from a
// YAML file; analyzers receive a copy and never mutate it.
package calibration

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SitUps thresholds. Angles are in degrees, distances in normalized units.
type SitUps struct {
	UpAngle            float64 `yaml:"up_angle"`
	DownAngle          float64 `yaml:"down_angle"`
	FootLiftThreshold  float64 `yaml:"foot_lift_threshold"`
	HandsPullThreshold float64 `yaml:"hands_pull_threshold"`
}

// VerticalJump thresholds and unit conversion.
type VerticalJump struct {
	WarmupFrames       int     `yaml:"warmup_frames"`
	EarlySquatMargin   float64 `yaml:"early_squat_margin"`
	PixelToCm          float64 `yaml:"pixel_to_cm"`
	DefaultFrameHeight int     `yaml:"default_frame_height"`
}

// ShuttleRun line positions in pixels from the top of the frame.
type ShuttleRun struct {
	StartLineY         int `yaml:"start_line_y"`
	FarLineY           int `yaml:"far_line_y"`
	TouchThreshold     int `yaml:"touch_threshold"`
	Laps               int `yaml:"laps"`
	DefaultFrameHeight int `yaml:"default_frame_height"`
}

// BroadJump take-off line and conversion, in pixels from the left edge.
type BroadJump struct {
	TakeOffLineX      int     `yaml:"take_off_line_x"`
	FoulThresholdPx   int     `yaml:"foul_threshold_px"`
	PixelsPerCm       float64 `yaml:"pixels_per_cm"`
	DefaultFrameWidth int     `yaml:"default_frame_width"`
}

// Set is the full calibration for every exercise.
type Set struct {
	MinVisibility float64      `yaml:"min_visibility"`
	SitUps        SitUps       `yaml:"sit_ups"`
	VerticalJump  VerticalJump `yaml:"vertical_jump"`
	ShuttleRun    ShuttleRun   `yaml:"shuttle_run"`
	BroadJump     BroadJump    `yaml:"broad_jump"`
}

// Default returns the calibration for the reference camera setup.
func Default() Set {
	return Set{
		MinVisibility: 0.5,
		SitUps: SitUps{
			UpAngle:            100,
			DownAngle:          160,
			FootLiftThreshold:  0.1,
			HandsPullThreshold: 0.05,
		},
		VerticalJump: VerticalJump{
			WarmupFrames:       30,
			EarlySquatMargin:   0.1,
			PixelToCm:          0.0264583,
			DefaultFrameHeight: 720,
		},
		ShuttleRun: ShuttleRun{
			StartLineY:         550,
			FarLineY:           150,
			TouchThreshold:     25,
			Laps:               4,
			DefaultFrameHeight: 720,
		},
		BroadJump: BroadJump{
			TakeOffLineX:      350,
			FoulThresholdPx:   15,
			PixelsPerCm:       20,
			DefaultFrameWidth: 1280,
		},
	}
}

// Load reads a YAML file on top of Default. Keys missing from the file keep
// their default value.
func Load(path string) (Set, error) {
	set := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return set, fmt.Errorf("read calibration: %w", err)
	}
	if err := yaml.Unmarshal(data, &set); err != nil {
		return set, fmt.Errorf("parse calibration %s: %w", path, err)
	}
	if err := set.Validate(); err != nil {
		return set, fmt.Errorf("calibration %s: %w", path, err)
	}
	return set, nil
}

// Validate rejects values no analyzer can work with.
func (s Set) Validate() error {
	var errs []error
	if s.MinVisibility < 0 || s.MinVisibility > 1 {
		errs = append(errs, fmt.Errorf("min_visibility %.2f outside [0,1]", s.MinVisibility))
	}
	if s.SitUps.UpAngle >= s.SitUps.DownAngle {
		errs = append(errs, fmt.Errorf("sit_ups: up_angle %.1f must be below down_angle %.1f",
			s.SitUps.UpAngle, s.SitUps.DownAngle))
	}
	if s.VerticalJump.WarmupFrames <= 0 {
		errs = append(errs, errors.New("vertical_jump: warmup_frames must be positive"))
	}
	if s.VerticalJump.PixelToCm <= 0 {
		errs = append(errs, errors.New("vertical_jump: pixel_to_cm must be positive"))
	}
	if s.VerticalJump.DefaultFrameHeight <= 0 {
		errs = append(errs, errors.New("vertical_jump: default_frame_height must be positive"))
	}
	if s.ShuttleRun.StartLineY <= s.ShuttleRun.FarLineY {
		errs = append(errs, fmt.Errorf("shuttle_run: start_line_y %d must be below far_line_y %d on screen",
			s.ShuttleRun.StartLineY, s.ShuttleRun.FarLineY))
	}
	if s.ShuttleRun.TouchThreshold <= 0 || s.ShuttleRun.Laps <= 0 {
		errs = append(errs, errors.New("shuttle_run: touch_threshold and laps must be positive"))
	}
	if s.ShuttleRun.DefaultFrameHeight <= 0 {
		errs = append(errs, errors.New("shuttle_run: default_frame_height must be positive"))
	}
	if s.BroadJump.PixelsPerCm <= 0 {
		errs = append(errs, errors.New("broad_jump: pixels_per_cm must be positive"))
	}
	if s.BroadJump.FoulThresholdPx < 0 {
		errs = append(errs, errors.New("broad_jump: foul_threshold_px must not be negative"))
	}
	if s.BroadJump.DefaultFrameWidth <= 0 {
		errs = append(errs, errors.New("broad_jump: default_frame_width must be positive"))
	}
	return errors.Join(errs...)
}
