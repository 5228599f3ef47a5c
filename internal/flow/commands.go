package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/style"
)

var createStylePattern = regexp.MustCompile(`(?i)^/createstyle\s+([\p{L}\p{N}_]+)\s+"([^"]+)"`)

// handleCommand runs a slash command. Only /cancel and /createstyle change state.
func (m *Machine) handleCommand(ctx context.Context, st models.UserState, text string) []Action {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	slog.Debug("Machine.handleCommand", "userID", st.UserID, "command", cmd)

	switch cmd {
	case "/help":
		return reply(textHelp)
	case "/cancel":
		if st.Tag() == models.StateNone {
			return reply(textNothingToCancel)
		}
		m.states.Clear(ctx, st.UserID)
		return reply(textCancelled)
	case "/status":
		if st.Tag() == models.StateProcessing {
			return reply(textStatusProcessing)
		}
		return reply(textStatusIdle)
	case "/history":
		recs, err := m.history.RecentHistory(ctx, st.UserID, models.HistoryPageSize)
		if err != nil {
			slog.Warn("Machine.handleCommand: history unavailable", "error", err, "userID", st.UserID)
			recs = nil
		}
		return reply(renderHistory(recs))
	case "/styles":
		return reply(renderCustomStyles(m.customStyles(ctx, st.UserID)))
	case "/createstyle":
		return m.createStyle(ctx, st, text)
	case "/deletestyle":
		return m.deleteStyle(ctx, st.UserID, fields)
	default:
		return reply(fmt.Sprintf(textUnknownCommand, cmd))
	}
}

func (m *Machine) createStyle(ctx context.Context, st models.UserState, text string) []Action {
	match := createStylePattern.FindStringSubmatch(text)
	if match == nil {
		return reply(textCreateStyleUsage)
	}
	name, fragment := match[1], match[2]
	if _, builtin := style.Canonical(name, nil); builtin {
		return reply(fmt.Sprintf(textStyleReserved, name))
	}
	if err := m.styles.UpsertStyle(ctx, models.CustomStyle{UserID: st.UserID, StyleName: name, StylePrompt: fragment}); err != nil {
		slog.Error("Machine.createStyle: upsert failed", "error", err, "userID", st.UserID, "style", name)
		return reply(textGenericFailure)
	}
	msg := fmt.Sprintf(textStyleCreated, name)

	prompt, pending := st.PendingPrompt()
	if !pending {
		return reply(msg)
	}
	msg += fmt.Sprintf(textNowGenerating, prompt)
	custom := m.customStyles(ctx, st.UserID)
	if _, ok := style.Canonical(name, custom); !ok {
		// The store may be unreachable for reads; the fragment is known either way.
		custom = append(custom, models.CustomStyle{UserID: st.UserID, StyleName: models.NormalizeStyle(name), StylePrompt: fragment})
	}
	return m.startGeneration(ctx, st.UserID, prompt, name, custom, msg)
}

func (m *Machine) deleteStyle(ctx context.Context, userID string, fields []string) []Action {
	if len(fields) != 2 {
		return reply(textDeleteStyleUsage)
	}
	name := fields[1]
	deleted, err := m.styles.DeleteStyle(ctx, userID, name)
	if err != nil {
		slog.Error("Machine.deleteStyle: delete failed", "error", err, "userID", userID, "style", name)
		return reply(textGenericFailure)
	}
	if !deleted {
		return reply(fmt.Sprintf(textStyleNotFound, name))
	}
	return reply(fmt.Sprintf(textStyleDeleted, name))
}
