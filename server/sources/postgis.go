package sources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/athena-uvm/hotspot-inspector/server/models"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostGIS reads hotspot footprints from a PostGIS table:
//
//	CREATE TABLE hotspots (
//	    id                 text PRIMARY KEY,
//	    risk_level         text NOT NULL,
//	    risk_score         integer NOT NULL,
//	    vegetation_density double precision NOT NULL,
//	    color              text,
//	    geom               geometry(Polygon, 4326) NOT NULL
//	);
type PostGIS struct {
	db *sqlx.DB
}

type hotspotRow struct {
	ID                string  `db:"id"`
	RiskLevel         string  `db:"risk_level"`
	RiskScore         float64 `db:"risk_score"`
	VegetationDensity float64 `db:"vegetation_density"`
	Color             string  `db:"color"`
	Geometry          string  `db:"geometry"`
}

func NewPostGIS(ctx context.Context, dsn string) (*PostGIS, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgis: %w", err)
	}
	return &PostGIS{db: db}, nil
}

func (p *PostGIS) FetchHotspots(ctx context.Context) (*models.FeatureCollection, error) {
	const query = `
		SELECT
			id,
			risk_level,
			risk_score,
			vegetation_density,
			COALESCE(color, '') AS color,
			ST_AsGeoJSON(geom) AS geometry
		FROM hotspots
		ORDER BY id`

	var rows []hotspotRow
	if err := p.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query hotspots: %w", err)
	}

	collection := &models.FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]models.RawFeature, 0, len(rows)),
	}
	for _, row := range rows {
		feature, err := row.toFeature()
		if err != nil {
			return nil, err
		}
		collection.Features = append(collection.Features, feature)
	}
	return collection, nil
}

func (p *PostGIS) Close() error {
	return p.db.Close()
}

// toFeature keeps the row in wire form; validation is left to the
// normalizer like for any other source.
func (r hotspotRow) toFeature() (models.RawFeature, error) {
	var geometry models.RawGeometry
	if err := json.Unmarshal([]byte(r.Geometry), &geometry); err != nil {
		return models.RawFeature{}, fmt.Errorf("invalid geometry for hotspot %s: %w", r.ID, err)
	}
	density, err := json.Marshal(r.VegetationDensity)
	if err != nil {
		return models.RawFeature{}, fmt.Errorf("invalid vegetation density for hotspot %s: %w", r.ID, err)
	}

	id, level, score := r.ID, r.RiskLevel, r.RiskScore
	return models.RawFeature{
		Type:     "Feature",
		Geometry: geometry,
		Properties: models.RawProperties{
			ID:                &id,
			RiskLevel:         &level,
			RiskScore:         &score,
			VegetationDensity: density,
			Color:             r.Color,
		},
	}, nil
}
