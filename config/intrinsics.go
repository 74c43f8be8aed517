// Package config reads the files that describe a rendering run: camera
// intrinsics (TOML), camera pose tables (CSV) and dataset manifests (YAML).
//
// Loaders return errors wrapping [unicam.ErrIO] when a file cannot be read
// and [unicam.ErrConfig] when its content is malformed.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/unicam"
)

// IntrinsicsFile is the on-disk camera parameter record. Field names follow
// the camera_params.toml convention; the same names are used when the
// intrinsics are written into a dataset manifest.
type IntrinsicsFile struct {
	Xi               float32 `toml:"xi" json:"xi"`
	FocalLengthXPx   float32 `toml:"focal_length_x_px" json:"focal_length_x_px"`
	FocalLengthYPx   float32 `toml:"focal_length_y_px" json:"focal_length_y_px"`
	OpticalCenterXPx float32 `toml:"optical_center_x_px" json:"optical_center_x_px"`
	OpticalCenterYPx float32 `toml:"optical_center_y_px" json:"optical_center_y_px"`
	ImageWidthPx     int     `toml:"image_width_px" json:"image_width_px"`
	ImageHeightPx    int     `toml:"image_height_px" json:"image_height_px"`
}

// Intrinsics converts the record to camera intrinsics.
func (f IntrinsicsFile) Intrinsics() unicam.Intrinsics {
	return unicam.Intrinsics{
		Fx:     f.FocalLengthXPx,
		Fy:     f.FocalLengthYPx,
		Cx:     f.OpticalCenterXPx,
		Cy:     f.OpticalCenterYPx,
		Xi:     f.Xi,
		Width:  f.ImageWidthPx,
		Height: f.ImageHeightPx,
	}
}

// NewIntrinsicsFile is the inverse of IntrinsicsFile.Intrinsics.
func NewIntrinsicsFile(in unicam.Intrinsics) IntrinsicsFile {
	return IntrinsicsFile{
		Xi:               in.Xi,
		FocalLengthXPx:   in.Fx,
		FocalLengthYPx:   in.Fy,
		OpticalCenterXPx: in.Cx,
		OpticalCenterYPx: in.Cy,
		ImageWidthPx:     in.Width,
		ImageHeightPx:    in.Height,
	}
}

// LoadIntrinsics reads and validates a camera parameter file.
func LoadIntrinsics(path string) (unicam.Intrinsics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return unicam.Intrinsics{}, fmt.Errorf("%w: read intrinsics: %w", unicam.ErrIO, err)
	}
	in, err := ParseIntrinsics(data)
	if err != nil {
		return unicam.Intrinsics{}, fmt.Errorf("%s: %w", path, err)
	}
	return in, nil
}

// ParseIntrinsics decodes a camera parameter record. Unknown keys are
// rejected so that misspelled parameters do not silently fall back to zero.
func ParseIntrinsics(data []byte) (unicam.Intrinsics, error) {
	var f IntrinsicsFile
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return unicam.Intrinsics{}, fmt.Errorf("%w: %s", unicam.ErrConfig, strict.String())
		}
		return unicam.Intrinsics{}, fmt.Errorf("%w: decode intrinsics: %w", unicam.ErrConfig, err)
	}
	in := f.Intrinsics()
	if err := in.Validate(); err != nil {
		return unicam.Intrinsics{}, err
	}
	return in, nil
}

// MarshalIntrinsics encodes intrinsics in the camera parameter format.
func MarshalIntrinsics(in unicam.Intrinsics) ([]byte, error) {
	return toml.Marshal(NewIntrinsicsFile(in))
}
