// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/guildhall-io/guildhall/database/models"
	"gorm.io/gorm"
)

// maxStoredPoints is the saturation bound for durable totals. The sql
// layer cannot bind uint64 values with the high bit set, so totals clamp
// at the largest signed value.
const maxStoredPoints = uint64(math.MaxInt64)

// AddPoints adds to a user's point total in one stream, creating the row
// on first use. Totals saturate at maxStoredPoints.
func (d *MetadataStoreSqlite) AddPoints(
	ctx context.Context,
	guildId uint64,
	userId uint64,
	stream string,
	amount uint64,
) error {
	if amount == 0 {
		return nil
	}
	if amount > maxStoredPoints {
		amount = maxStoredPoints
	}
	return d.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.PointTotal
		result := tx.
			Where(
				"guild_id = ? AND user_id = ? AND stream = ?",
				guildId, userId, stream,
			).
			First(&row)
		if result.Error != nil {
			if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf(
					"AddPoints: query: %w", result.Error,
				)
			}
			row = models.PointTotal{
				GuildID: guildId,
				UserID:  userId,
				Stream:  stream,
				Amount:  amount,
			}
			if result := tx.Create(&row); result.Error != nil {
				return fmt.Errorf(
					"AddPoints: insert: %w", result.Error,
				)
			}
			return nil
		}
		if row.Amount > maxStoredPoints-amount {
			row.Amount = maxStoredPoints
		} else {
			row.Amount += amount
		}
		if result := tx.
			Model(&models.PointTotal{}).
			Where("id = ?", row.ID).
			Update("amount", row.Amount); result.Error != nil {
			return fmt.Errorf(
				"AddPoints: update: %w", result.Error,
			)
		}
		return nil
	})
}

// GetPointTotal returns a user's total in one stream, zero if absent
func (d *MetadataStoreSqlite) GetPointTotal(
	ctx context.Context,
	guildId uint64,
	userId uint64,
	stream string,
) (uint64, error) {
	var row models.PointTotal
	result := d.DB().WithContext(ctx).
		Where(
			"guild_id = ? AND user_id = ? AND stream = ?",
			guildId, userId, stream,
		).
		First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf(
			"GetPointTotal: query: %w", result.Error,
		)
	}
	return row.Amount, nil
}

// GetTopPointTotals returns the highest totals for a guild and stream
func (d *MetadataStoreSqlite) GetTopPointTotals(
	ctx context.Context,
	guildId uint64,
	stream string,
	limit int,
) ([]models.PointTotal, error) {
	var ret []models.PointTotal
	result := d.DB().WithContext(ctx).
		Where("guild_id = ? AND stream = ?", guildId, stream).
		Order("amount DESC").
		Limit(limit).
		Find(&ret)
	if result.Error != nil {
		return nil, fmt.Errorf(
			"GetTopPointTotals: query: %w", result.Error,
		)
	}
	return ret, nil
}
