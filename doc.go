// Package unicam renders textured meshes through the unified (omnidirectional)
// camera model and drives large batches of camera poses through a GPU
// pipeline to produce synthetic fisheye and catadioptric datasets.
//
// # Overview
//
// The unified model adds a single parameter xi to the pinhole camera. A
// camera-space point p = (x, y, z) is mapped to image coordinates
//
//	u = fx*x/(-z + xi*|p|) + cx
//	v = fy*y/(-z + xi*|p|) + cy
//
// With xi = 0 this is the ordinary pinhole camera looking down -z. Larger
// values bend rays outwards so wide fields of view fit on the image plane.
//
// The projection is not linear, so it cannot be expressed as a projection
// matrix. Instead the vertex stage writes the nonlinear denominator into the
// clip-space w component and lets the rasterizer's homogeneous divide finish
// the job. See [Intrinsics.Project].
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/unicam"
//	    _ "github.com/gogpu/unicam/gpu" // register the GPU backend
//	)
//
//	backend, err := unicam.OpenDefault()
//	if err != nil { ... }
//	defer backend.Close()
//
//	r, err := unicam.NewBatchRenderer(backend, unicam.BatchOptions{InFlight: 3})
//	if err != nil { ... }
//	defer r.Close()
//
//	stats, err := r.Run(ctx, slices.Values(jobs))
//
// # Backends
//
// Two backends are available. The "gpu" backend (package gpu) renders with
// gogpu/wgpu. The "software" backend is always registered and emulates the
// same fixed-function pipeline on the CPU; it is used in tests and on
// machines without a GPU.
//
// # Coordinate System
//
//   - Camera space is right handed, the camera looks down -z
//   - Image origin (0,0) is the top-left pixel corner
//   - Texture coordinates have (0,0) at the top-left of the image
package unicam
