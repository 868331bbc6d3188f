package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aster-rotator/internal/alerts"

	"go.uber.org/zap"
)

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID := strings.TrimSpace(a.cfg.Telegram.ChatID)
	if chatID == "" {
		a.log.Warn("telegram operator disabled: chat_id is empty")
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID string, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
		updates, err := a.alerts.GetUpdates(ctx, offset)
		if err != nil {
			a.logOperatorError(err)
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID string, allowedUsers map[int64]struct{}) {
	if !authorizedUpdate(upd, chatID, allowedUsers) {
		return
	}
	cmd, ok := parseOperatorCommand(upd.Text)
	if !ok {
		return
	}
	resp := a.handleOperatorCommand(cmd)
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func authorizedUpdate(upd alerts.Update, chatID string, allowedUsers map[int64]struct{}) bool {
	if upd.ChatID != chatID {
		return false
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[upd.UserID]; !ok {
			return false
		}
	}
	return true
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), true
}

func (a *App) handleOperatorCommand(cmd string) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause":
		if a.setPaused(true) {
			return "trading paused"
		}
		return "trading already paused"
	case "resume":
		if a.setPaused(false) {
			return "trading resumed"
		}
		return "trading already active"
	default:
		return operatorHelpText()
	}
}

func (a *App) operatorStatus() string {
	return strings.Join([]string{
		fmt.Sprintf("engine: %s", a.engine.Status()),
		fmt.Sprintf("paused: %t", a.isPaused()),
	}, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current bot status",
		"/pause - pause new trading actions",
		"/resume - resume trading actions",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil || a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}
