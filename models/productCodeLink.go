package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"gorm.io/gorm"
)

// ProductCodeLink is a directed equivalence edge between two product codes
// that represent the same physical item. Clusters are star shaped: many
// origins point at one destination, and a code has at most one active
// outgoing edge. The star shape is enforced at write time.
type ProductCodeLink struct {
	ID              int       `gorm:"primary_key" json:"id"`
	OriginCode      string    `gorm:"size:50;index;not null" json:"origin_code" binding:"required"`
	DestinationCode string    `gorm:"size:50;index;not null" json:"destination_code" binding:"required"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedBy       int       `json:"created_by"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedBy       int       `json:"updated_by"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProductCodeLink struct {
	OriginCode      string `json:"origin_code" binding:"required"`
	DestinationCode string `json:"destination_code" binding:"required"`
}

// ResolveCodeCluster returns the full unification cluster of code,
// including code itself. With no links the result is just {code}.
//
// A code with more than one active outgoing edge violates the star
// assumption; that is reported as ErrInconsistentUnification and never
// auto-corrected.
func ResolveCodeCluster(tx *gorm.DB, code string) ([]string, error) {
	var links []ProductCodeLink
	if err := tx.Where("is_active = ? AND (origin_code = ? OR destination_code = ?)", true, code, code).
		Find(&links).Error; err != nil {
		return nil, err
	}

	// Sibling origins require one more fetch: every link pointing at the
	// destination this code itself points at.
	var dest string
	for _, link := range links {
		if link.OriginCode == code {
			dest = link.DestinationCode
			break
		}
	}
	if dest != "" {
		var siblings []ProductCodeLink
		if err := tx.Where("is_active = ? AND destination_code = ? AND origin_code <> ?", true, dest, code).
			Find(&siblings).Error; err != nil {
			return nil, err
		}
		links = append(links, siblings...)
	}

	cluster, err := clusterFromActiveLinks(code, links)
	if err != nil {
		config.LogError(config.GetLogger(), "productCodeLink", "ResolveCodeCluster",
			"cluster resolution", code, err)
		return nil, err
	}
	return cluster, nil
}

// clusterFromActiveLinks computes the star cluster of code from a set of
// active links that must contain at least every link touching code and every
// link sharing code's outgoing destination. Extra unrelated links are
// ignored.
func clusterFromActiveLinks(code string, links []ProductCodeLink) ([]string, error) {
	cluster := map[string]bool{code: true}
	var outgoing *ProductCodeLink
	for i := range links {
		link := links[i]
		if link.OriginCode == code {
			if outgoing != nil && outgoing.DestinationCode != link.DestinationCode {
				return nil, utils.ErrInconsistentUnification
			}
			outgoing = &links[i]
		}
		if link.DestinationCode == code {
			cluster[link.OriginCode] = true
		}
	}

	if outgoing != nil {
		cluster[outgoing.DestinationCode] = true
		for _, link := range links {
			if link.DestinationCode == outgoing.DestinationCode {
				cluster[link.OriginCode] = true
			}
		}
	}

	result := make([]string, 0, len(cluster))
	for c := range cluster {
		result = append(result, c)
	}
	sort.Strings(result)
	return result, nil
}

// CreateProductCodeLink activates a new unification edge. The origin must
// not already carry a different active outgoing edge. Balances of the
// merged cluster are rebuilt in a follow-up repair transaction.
func CreateProductCodeLink(ctx context.Context, input *NewProductCodeLink) (*ProductCodeLink, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	if input.OriginCode == input.DestinationCode {
		return nil, errors.New("origin and destination codes must differ")
	}

	link := ProductCodeLink{
		OriginCode:      input.OriginCode,
		DestinationCode: input.DestinationCode,
		IsActive:        true,
		CreatedBy:       userId,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ProductCodeLink{}).
			Where("is_active = ? AND origin_code = ? AND destination_code <> ?", true, input.OriginCode, input.DestinationCode).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return utils.ErrInconsistentUnification
		}
		// Reject chains: the destination must not itself have an active
		// outgoing edge, clusters stay one level deep.
		if err := tx.Model(&ProductCodeLink{}).
			Where("is_active = ? AND origin_code = ?", true, input.DestinationCode).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return utils.ErrInconsistentUnification
		}
		return tx.Create(&link).Error
	})
	if err != nil {
		return nil, err
	}

	// Repair recompute runs after the writing transaction has committed,
	// never interleaved with it.
	if err := RebuildProductAggregates(ctx, input.OriginCode); err != nil {
		config.LogError(config.GetLogger(), "productCodeLink", "CreateProductCodeLink",
			"rebuild after link create", input.OriginCode, err)
	}

	return &link, nil
}

// DeactivateProductCodeLink retires an edge and rebuilds both halves of
// the split cluster.
func DeactivateProductCodeLink(ctx context.Context, id int) (*ProductCodeLink, error) {
	db := config.GetDB()

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	var link ProductCodeLink
	if err := db.WithContext(ctx).First(&link, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrNotFound
		}
		return nil, err
	}

	if err := db.WithContext(ctx).Model(&link).
		Updates(map[string]interface{}{"is_active": false, "updated_by": userId}).Error; err != nil {
		return nil, err
	}

	for _, code := range []string{link.OriginCode, link.DestinationCode} {
		if err := RebuildProductAggregates(ctx, code); err != nil {
			config.LogError(config.GetLogger(), "productCodeLink", "DeactivateProductCodeLink",
				"rebuild after link deactivate", code, err)
		}
	}

	return &link, nil
}
