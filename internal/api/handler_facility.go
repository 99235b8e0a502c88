package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/model"
)

// AreaResponse represents the API response for a single area.
type AreaResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ZoneCount      int64  `json:"zone_count"`
	MachineCount   int64  `json:"machine_count"`
	ActiveMachines int64  `json:"active_machines"`
}

// GetAreas handles the GET /api/areas request.
func GetAreas(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var areas []model.Area
		if err := db.WithContext(c.Request.Context()).Order("name").Find(&areas).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to retrieve areas"})
			return
		}

		// One aggregate for all areas instead of a query per area.
		type aggRow struct {
			AreaID         int64
			ZoneCount      int64
			MachineCount   int64
			ActiveMachines int64
		}
		var aggs []aggRow
		if err := db.WithContext(c.Request.Context()).
			Table("zones").
			Select(`zones.area_id AS area_id,
				COUNT(DISTINCT zones.id) AS zone_count,
				COUNT(machines.id) AS machine_count,
				COUNT(CASE WHEN machines.status = ? THEN 1 END) AS active_machines`, model.MachineActive).
			Joins("LEFT JOIN machines ON machines.zone_id = zones.id").
			Group("zones.area_id").
			Scan(&aggs).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to aggregate machines"})
			return
		}

		aggMap := make(map[int64]aggRow, len(aggs))
		for _, a := range aggs {
			aggMap[a.AreaID] = a
		}

		responses := make([]AreaResponse, 0, len(areas))
		for _, a := range areas {
			agg := aggMap[a.ID]
			responses = append(responses, AreaResponse{
				ID:             a.ID,
				Name:           a.Name,
				Description:    a.Description,
				ZoneCount:      agg.ZoneCount,
				MachineCount:   agg.MachineCount,
				ActiveMachines: agg.ActiveMachines,
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}

// zoneMachine is one row of the zone machine board.
type zoneMachine struct {
	model.Machine
	LeadOperatorName string `json:"lead_operator_name,omitempty"`
	ActiveOperators  int64  `json:"active_operators"`
	CanStart         bool   `json:"can_start"`
}

// GetZoneMachines handles the GET /api/zones/{zone_id}/machines request.
func GetZoneMachines(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		zoneID, err := strconv.ParseInt(c.Param("zone_id"), 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid zone id"})
			return
		}
		ctx := c.Request.Context()

		var machines []model.Machine
		if err := db.WithContext(ctx).Where("zone_id = ?", zoneID).Order("machine_code").Find(&machines).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to retrieve machines"})
			return
		}

		ids := make([]int64, len(machines))
		var leadIDs []int64
		for i, m := range machines {
			ids[i] = m.ID
			if m.LeadOperatorID != nil {
				leadIDs = append(leadIDs, *m.LeadOperatorID)
			}
		}

		type countRow struct {
			MachineID    int64
			OpenSessions int64
		}
		var counts []countRow
		if len(ids) > 0 {
			if err := db.WithContext(ctx).Model(&model.MachineSession{}).
				Select("machine_id, COUNT(*) AS open_sessions").
				Where("machine_id IN ? AND logout_time IS NULL", ids).
				Group("machine_id").
				Scan(&counts).Error; err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to count sessions"})
				return
			}
		}
		open := make(map[int64]int64, len(counts))
		for _, r := range counts {
			open[r.MachineID] = r.OpenSessions
		}

		leadNames := make(map[int64]string, len(leadIDs))
		if len(leadIDs) > 0 {
			var leads []model.User
			if err := db.WithContext(ctx).Select("id", "name").Where("id IN ?", leadIDs).Find(&leads).Error; err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to retrieve lead operators"})
				return
			}
			for _, u := range leads {
				leadNames[u.ID] = u.Name
			}
		}

		response := make([]zoneMachine, 0, len(machines))
		for _, m := range machines {
			zm := zoneMachine{Machine: m, ActiveOperators: open[m.ID], CanStart: m.LeadOperatorID != nil}
			if m.LeadOperatorID != nil {
				zm.LeadOperatorName = leadNames[*m.LeadOperatorID]
			}
			response = append(response, zm)
		}
		c.JSON(http.StatusOK, response)
	}
}
