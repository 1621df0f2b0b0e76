package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/beacon-project/beacon/internal/util"
)

// handleCompressedServers returns the gzip+base64 JSON listing of public
// rooms. This is the wire format game clients expect.
func (s *Server) handleCompressedServers(c *gin.Context) {
	c.String(http.StatusOK, s.listing.Compressed())
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "beacon",
	})
}

// handleServers returns the public room snapshots as plain JSON.
func (s *Server) handleServers(c *gin.Context) {
	c.JSON(http.StatusOK, s.listing.Rooms())
}

// handleStatus reports relay counters and host resource usage.
func (s *Server) handleStatus(c *gin.Context) {
	rooms, conns := s.listing.Counts()
	players := 0
	for _, room := range s.listing.Rooms() {
		players += room.Players
	}

	relayCfg := s.cfg.GetRelay()
	sysInfo := util.GetSystemInfo()

	status := gin.H{
		"uptime_sec":    int(time.Since(s.started).Seconds()),
		"public_rooms":  rooms,
		"connections":   conns,
		"players":       players,
		"relay_port":    relayCfg.Port,
		"transport":     relayCfg.Transport,
		"punch_enabled": relayCfg.PunchEnabled,
		"platform":      sysInfo.Platform,
		"hostname":      sysInfo.Hostname,
		"cpu_model":     sysInfo.CPUModel,
		"cpu_cores":     sysInfo.CPUCores,
	}

	if cpuUsage, err := util.GetCPUUsage(); err == nil {
		status["cpu_percent"] = cpuUsage
	}
	if memUsage, err := util.GetMemoryUsage(); err == nil {
		status["memory"] = memUsage
	}
	if diskUsage, err := util.GetDiskUsage("."); err == nil {
		status["disk"] = diskUsage
	}

	c.JSON(http.StatusOK, status)
}

// handleHistory returns the newest recorded session events.
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	rows, err := s.history.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history query failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"occurred_at": row.OccurredAt.UTC().Format(time.RFC3339),
			"event":       row.Type,
			"room_id":     row.RoomID,
			"conn_id":     row.Conn,
		})
	}
	c.JSON(http.StatusOK, out)
}
