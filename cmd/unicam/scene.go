package main

import (
	"fmt"

	"github.com/gogpu/unicam"
	"github.com/gogpu/unicam/asset"
	"github.com/gogpu/unicam/config"
)

// scene is the mesh and texture of a run. Ground is set for terrain
// meshes.
type scene struct {
	mesh    *unicam.Mesh
	texture *unicam.Texture
	ground  *asset.HeightGrid
}

// loadScene loads the mesh and texture of a run.
func loadScene(src config.MeshSource, texturePath string, sc config.SamplerConfig) (*scene, error) {
	var mesh *unicam.Mesh
	var grid *asset.HeightGrid
	var err error
	switch {
	case src.OBJ != "":
		mesh, err = asset.LoadOBJ(src.OBJ)
	case src.Heightmap != "":
		mesh, grid, err = asset.LoadTerrain(src.Heightmap, asset.TerrainOptions{
			Origin:       unicam.V3(src.Origin[0], src.Origin[1], src.Origin[2]),
			CellSize:     src.CellSize,
			HeightScale:  src.HeightScale,
			HeightOffset: src.HeightOffset,
			Resolution:   src.Resolution,
		})
	default:
		err = fmt.Errorf("%w: no mesh given", unicam.ErrConfig)
	}
	if err != nil {
		return nil, err
	}

	sampler, err := sc.Sampler()
	if err != nil {
		return nil, err
	}
	tex, err := asset.LoadTexture(texturePath, asset.TextureOptions{
		Sampler: &sampler,
		Mipmaps: sc.UseMipmaps(),
	})
	if err != nil {
		return nil, err
	}

	lo, hi := mesh.Bounds()
	w, h := tex.Size()
	unicam.Logger().Info("scene loaded",
		"mesh", mesh.Name, "triangles", mesh.TriangleCount(),
		"bounds_min", lo, "bounds_max", hi,
		"texture", tex.Name, "size", fmt.Sprintf("%dx%d", w, h), "mips", len(tex.Mips))
	return &scene{mesh: mesh, texture: tex, ground: grid}, nil
}

// place resolves pose records against the terrain.
func (s *scene) place(records []config.PoseRecord) error {
	for i := range records {
		r := &records[i]
		if s.ground == nil {
			if r.AGL != nil {
				return fmt.Errorf("%w: pose %d is above ground level but the mesh is not a heightmap",
					unicam.ErrConfig, r.Index)
			}
			continue
		}
		if err := r.Place(s.ground.Sample); err != nil {
			return fmt.Errorf("pose %d: %w", r.Index, err)
		}
	}
	return nil
}
