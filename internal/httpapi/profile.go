package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

// GetProfile returns the caller's BBS profile merged with the dashboard
// account flags. rf_enabled is derived: present on the blacklist means
// the callsign cannot connect over RF.
func (h *handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := IdentityFromCtx(ctx)

	view, err := h.svc.GetUser(ctx, id.Username, id.Username)
	if err != nil {
		domainError(w, h.logger, err)
		return
	}

	var (
		account   *db.HTTPUser
		blacklist []string
	)
	err = h.svc.Store().Transaction(ctx, func(tx *gorm.DB) error {
		user, err := repositories.NewHTTPUserRepository(tx).Get(ctx, id.Username)
		if err != nil {
			return err
		}
		cfg, err := repositories.NewConfigRepository(tx).Load(ctx)
		if err != nil {
			return err
		}
		account = user
		blacklist = cfg.Blacklist
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("profile lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	rfEnabled := true
	for _, entry := range blacklist {
		if strings.EqualFold(entry, id.Username) {
			rfEnabled = false
			break
		}
	}

	view["http_enabled"] = account.HTTPEnabled
	view["rf_enabled"] = rfEnabled
	view["failed_attempts"] = account.FailedAttempts
	if account.LastLogin != nil {
		view["last_login"] = account.LastLogin
	}
	Ok(w, view)
}

// GetStatus reports host and server health for the dashboard.
func (h *handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]any{
		"version":    h.version,
		"ws_clients": h.hub.ConnectedCount(),
	}
	if h.pool != nil {
		status["orchestrator_up"] = h.pool.Up(ctx)
		status["jobs_in_process"] = h.pool.InProcess()
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		status["host"] = map[string]any{
			"hostname": info.Hostname,
			"os":       info.OS,
			"platform": info.Platform,
			"uptime":   info.Uptime,
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status["memory"] = map[string]any{
			"total":        vm.Total,
			"available":    vm.Available,
			"used_percent": vm.UsedPercent,
		}
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		status["cpu_percent"] = percents[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		status["load"] = map[string]any{"1m": avg.Load1, "5m": avg.Load5, "15m": avg.Load15}
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		status["disk"] = map[string]any{
			"total":        usage.Total,
			"free":         usage.Free,
			"used_percent": usage.UsedPercent,
		}
	}

	Ok(w, status)
}
